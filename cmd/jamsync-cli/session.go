package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dkeye/jamsync/pkg/client"
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Create a development account and print its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPI()
		if err := api.DevLogin(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("export JAMSYNC_TOKEN=%s\n", api.Token)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session owned by the current user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		sid, err := newAPI().CreateSession(cmd.Context())
		if errors.Is(err, client.ErrAlreadyInSession) {
			fmt.Printf("already in session %s\n", sid)
			return nil
		}
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		fmt.Println(sid)
		return nil
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave [session-id]",
	Short: "Leave a session (the current one if omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		sid := ""
		if len(args) == 1 {
			sid = args[0]
		}
		return newAPI().Leave(cmd.Context(), sid)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [session-id] [file]",
	Short: "Upload the take for the current recording",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetString("duration")
		key, err := uploadFile(cmd, newAPI(), args[0], args[1], duration)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings [session-id]",
	Short: "List a session's recordings with download links (owner only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		recs, err := newAPI().Recordings(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
		for _, r := range recs {
			fmt.Printf("%-20s %6ss %8d  %s\n", r.UploaderName, r.Duration, r.Size, r.URL)
		}
		return nil
	},
}

func uploadFile(cmd *cobra.Command, api *client.API, sid, path, duration string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	key, err := api.Upload(cmd.Context(), sid, filepath.Base(path), duration, f)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	return key, nil
}

func init() {
	uploadCmd.Flags().StringP("duration", "d", "0", "take duration in seconds")
}
