package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/jamsync/pkg/client"
	"github.com/dkeye/jamsync/pkg/protocol"
)

var joinCmd = &cobra.Command{
	Use:   "join [session-id]",
	Short: "Join a session and follow its recording signals",
	Long: `Join connects to the session socket and prints what happens in it.
Commands read from stdin:

  start | stop          schedule a synchronized start/stop (owner)
  kick <local-id>       remove a participant (owner)
  mute | unmute         share your mute flag
  level <0..1>          share your mic level
  icon <name>           share your avatar
  upload <file> <secs>  upload your take for the current recording
  users                 print the participants from setup
  quit                  leave the session`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		sid := args[0]
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		api := newAPI()
		if err := api.Join(ctx, sid); err != nil {
			return fmt.Errorf("join failed: %w", err)
		}

		c := client.New(client.Config{ServerURL: viper.GetString("server"), Token: viper.GetString("token")})
		c.SetEventHandler(printer{})
		if err := c.Connect(ctx, sid); err != nil {
			return err
		}
		defer c.Close()

		go func() {
			if err := c.Listen(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "cli").Msg("session socket closed")
			}
			cancel()
		}()
		go func() { _ = c.RunPings(ctx) }()

		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return api.Leave(context.Background(), sid)
				}
				quit, err := runLine(ctx, cmd, api, c, sid, line)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
				if quit {
					return api.Leave(context.Background(), sid)
				}
			}
		}
	},
}

func runLine(ctx context.Context, cmd *cobra.Command, api *client.API, c *client.SessionClient, sid, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "start":
		return false, c.StartRecording(ctx)
	case "stop":
		return false, c.StopRecording(ctx)
	case "kick":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: kick <local-id>")
		}
		return false, c.Kick(ctx, fields[1])
	case "mute", "unmute":
		return false, c.Mute(ctx, fields[0] == "mute")
	case "level":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: level <0..1>")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, err
		}
		return false, c.MicLevel(ctx, v)
	case "icon":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: icon <name>")
		}
		return false, c.ChangeIcon(ctx, fields[1])
	case "upload":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: upload <file> <secs>")
		}
		key, err := uploadFile(cmd, api, sid, fields[1], fields[2])
		if err == nil {
			fmt.Println("uploaded", key)
		}
		return false, err
	case "users":
		if s, ok := c.Setup(); ok {
			for _, u := range s.Users {
				owner := ""
				if u.LocalID == s.OwnerLocalID {
					owner = " (owner)"
				}
				fmt.Printf("%s  %s%s\n", u.LocalID, u.UserName, owner)
			}
		}
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

type printer struct{}

func (printer) OnSetup(m protocol.Setup) {
	fmt.Printf("joined as %s with %d participant(s)\n", m.LocalID, len(m.Users))
}

func (printer) OnJoin(m protocol.Join) {
	fmt.Printf("%s joined (%s)\n", m.UserName, m.LocalID)
}

func (printer) OnRemoved(m protocol.Removed) {
	fmt.Printf("removed %s: %s\n", m.LocalID, m.Reason)
}

func (printer) OnStart(at int64) { fmt.Printf("● recording (server time %d)\n", at) }

func (printer) OnStop(at int64) { fmt.Printf("■ stopped (server time %d)\n", at) }

func (printer) OnServerEvent(m any) {
	switch v := m.(type) {
	case *protocol.MutedUsers:
		fmt.Printf("muted: %v\n", v.Muted)
	case *protocol.IconChanged:
		fmt.Printf("%s is now %s\n", v.LocalID, v.Icon)
	case *protocol.PingDelays:
		log.Debug().Str("module", "cli").Interface("delays", v.Delays).Msg("ping delays")
	case *protocol.MicLevels:
		log.Debug().Str("module", "cli").Interface("levels", v.Levels).Msg("mic levels")
	}
}
