package orch

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

const (
	MetaUploaderName = "uploadername"
	MetaDuration     = "duration"
	MetaUserID       = "userid"
)

func (o *Orchestrator) startRecording(entry *core.Entry) {
	entry.ResetUploads()
	at := o.now().Add(o.countdown()).UnixMilli()
	log.Info().Str("module", "orch.recording").Str("sid", string(entry.ID())).Int64("at", at).Msg("start recording")
	o.broadcast(entry, "", protocol.NewStart(at))
}

func (o *Orchestrator) stopRecording(entry *core.Entry) {
	at := o.now().Add(o.countdown()).UnixMilli()
	log.Info().Str("module", "orch.recording").Str("sid", string(entry.ID())).Int64("at", at).Msg("stop recording")
	o.broadcast(entry, "", protocol.NewStop(at))
}

type Upload struct {
	Body        io.Reader
	Size        int64
	ContentType string
	Duration    string
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func objectName(name string) string {
	n := strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if n == "" {
		return "participant"
	}
	return n
}

// Upload stores uid's take for the current recording. A participant gets
// one upload per startRecording; the slot is released if the write fails.
func (o *Orchestrator) Upload(ctx context.Context, sid domain.SessionID, uid domain.UserID, up Upload) (string, error) {
	ctx, span := o.startSpan(ctx, "orch.Upload", sid, uid)
	defer span.End()

	entry, ok := o.Registry.Get(sid)
	if !ok {
		return "", domain.ErrSessionNotActive
	}
	member, ok := entry.Member(uid)
	if !ok {
		return "", domain.ErrNotMember
	}
	if err := entry.ReserveUpload(uid); err != nil {
		return "", err
	}

	now := o.now()
	key := fmt.Sprintf("%s%s-%d.webm", o.recordingPrefix(sid), objectName(member.Name), now.UnixMilli())
	contentType := up.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}
	meta := map[string]string{
		MetaUploaderName: member.Name,
		MetaDuration:     up.Duration,
		MetaUserID:       string(uid),
	}
	if err := o.Objects.Put(ctx, key, up.Body, up.Size, contentType, meta); err != nil {
		entry.ReleaseUpload(uid)
		return "", fmt.Errorf("store recording: %w", err)
	}
	log.Info().Str("module", "orch.recording").Str("sid", string(sid)).Str("user", string(uid)).Str("key", key).Int64("size", up.Size).Msg("recording stored")
	return key, nil
}

type Recording struct {
	Key          string    `json:"key"`
	UploaderName string    `json:"uploaderName"`
	Duration     string    `json:"duration"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	URL          string    `json:"url"`
}

// Recordings lists a session's takes with time-limited download links.
// Only the owner may list, in any status.
func (o *Orchestrator) Recordings(ctx context.Context, sid domain.SessionID, uid domain.UserID) ([]Recording, error) {
	ctx, span := o.startSpan(ctx, "orch.Recordings", sid, uid)
	defer span.End()

	rec, err := o.Sessions.GetSession(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if rec.Owner != uid {
		return nil, domain.ErrNotOwner
	}
	objs, err := o.Objects.List(ctx, o.recordingPrefix(sid))
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	out := make([]Recording, 0, len(objs))
	for _, obj := range objs {
		head, err := o.Objects.Head(ctx, obj.Key)
		if err != nil {
			log.Warn().Err(err).Str("module", "orch.recording").Str("key", obj.Key).Msg("head recording")
			continue
		}
		url, err := o.Objects.PresignGet(ctx, obj.Key, o.presignTTL())
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", obj.Key, err)
		}
		out = append(out, Recording{
			Key:          obj.Key,
			UploaderName: head.Metadata[MetaUploaderName],
			Duration:     head.Metadata[MetaDuration],
			Size:         head.Size,
			LastModified: head.LastModified,
			URL:          url,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
