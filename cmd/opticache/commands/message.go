package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"opticache/internal/opticache"
)

var controlAddr string

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Send a control message to a running gateway",
}

var skipWaitingCmd = &cobra.Command{
	Use:   "skip-waiting",
	Short: "Activate the waiting worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return postMessage(cmd, opticache.Message{Type: opticache.MessageSkipWaiting})
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Delete every cache owned by the site",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return postMessage(cmd, opticache.Message{Type: opticache.MessageClearCache})
	},
}

var cacheURLsCmd = &cobra.Command{
	Use:   "cache-urls URL...",
	Short: "Fetch URLs into the runtime cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postMessage(cmd, opticache.Message{Type: opticache.MessageCacheURLs, URLs: args})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [TAG]",
	Short: "Fire a sync event (default tag: update-cache)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag := opticache.SyncUpdateCache
		if len(args) == 1 {
			tag = args[0]
		}
		return control(cmd, opticache.ControlPrefix+"/sync?tag="+url.QueryEscape(tag), nil)
	},
}

func init() {
	messageCmd.PersistentFlags().StringVar(&controlAddr, "addr", "http://localhost:8080", "gateway address")
	messageCmd.AddCommand(skipWaitingCmd, clearCacheCmd, cacheURLsCmd, syncCmd)
}

func postMessage(cmd *cobra.Command, msg opticache.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return control(cmd, opticache.ControlPrefix+"/message", body)
}

func control(cmd *cobra.Command, path string, body []byte) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(controlAddr, "/")+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("gateway answered %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	cmd.Printf("accepted: %s\n", strings.TrimSpace(string(out)))
	return nil
}
