// Package main is the entry point for the enginectl CLI, the thin client
// that talks to the engine-daemon over its Unix socket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// client talks to the daemon's Unix-socket HTTP API.
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(socketPath string) *client {
	return &client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 60 * time.Second,
		},
		baseURL: "http://unix/api/v1",
	}
}

func (c *client) get(path string) ([]byte, int, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, 0, fmt.Errorf("connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

func (c *client) post(path string, body interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	return respBody, resp.StatusCode, err
}

func (c *client) delete(path string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

var socketPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "enginectl",
		Short: "Control client for the retrieval-augmented ingestion and search engine daemon",
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "Unix socket path for daemon communication")

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(resyncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(collectionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultSocketPath() string {
	homeDir, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		return `\\.\pipe\ragengine`
	}
	return filepath.Join(homeDir, ".ragengine", "engine.sock")
}

// printErrorBody surfaces the daemon's {"error": {...}} envelope rather than
// the raw response body, falling back to the raw bytes if it doesn't parse.
func printErrorBody(body []byte) {
	var wrapped struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			ErrorID string `json:"errorId"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.Code != "" {
		fmt.Fprintf(os.Stderr, "error: [%s %s] %s\n", wrapped.Error.Code, wrapped.Error.ErrorID, wrapped.Error.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", body)
}

func ingestCmd() *cobra.Command {
	var collectionID, key, name, mime, file string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a document into a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			var err error
			if file != "" {
				content, err = os.ReadFile(file)
			} else {
				content, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}

			c := newClient(socketPath)
			body, status, err := c.post("/documents", map[string]interface{}{
				"collectionId": collectionID,
				"key":          key,
				"name":         name,
				"mime":         mime,
				"content":      content,
			})
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				printErrorBody(body)
				return fmt.Errorf("ingest failed with status %d", status)
			}
			fmt.Println(string(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&collectionID, "collection", "", "Collection id (required)")
	cmd.Flags().StringVar(&key, "key", "", "Caller-supplied logical key for re-upload detection")
	cmd.Flags().StringVar(&name, "name", "", "Document display name")
	cmd.Flags().StringVar(&mime, "mime", "", "Document MIME type")
	cmd.Flags().StringVar(&file, "file", "", "Path to file content (default: stdin)")
	cmd.MarkFlagRequired("collection")

	return cmd
}

func resyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync <docId>",
		Short: "Re-run the sync pipeline for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			body, status, err := c.post("/documents/"+url.PathEscape(args[0])+"/resync", nil)
			if err != nil {
				return err
			}
			if status != http.StatusAccepted {
				printErrorBody(body)
				return fmt.Errorf("resync failed with status %d", status)
			}
			fmt.Println(string(body))
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var docID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status, or a document's sync status with --doc",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			path := "/status"
			if docID != "" {
				path = "/documents/" + url.PathEscape(docID) + "/sync-status"
			}
			body, status, err := c.get(path)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				printErrorBody(body)
				return fmt.Errorf("status request failed with status %d", status)
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&docID, "doc", "", "Show sync status for this document id instead of daemon status")
	return cmd
}

func searchCmd() *cobra.Command {
	var collectionID string
	var page, limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid keyword + vector search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("query", args[0])
			if collectionID != "" {
				q.Set("collectionId", collectionID)
			}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))

			c := newClient(socketPath)
			body, status, err := c.get("/search?" + q.Encode())
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				printErrorBody(body)
				return fmt.Errorf("search failed with status %d", status)
			}
			fmt.Println(string(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&collectionID, "collection", "", "Restrict search to this collection")
	cmd.Flags().IntVar(&page, "page", 1, "Result page (1-indexed)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Results per page")
	return cmd
}

func collectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage collections",
	}
	cmd.AddCommand(collectionCreateCmd())
	cmd.AddCommand(collectionListCmd())
	cmd.AddCommand(collectionDeleteCmd())
	return cmd
}

func collectionCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			body, status, err := c.post("/collections/", map[string]string{
				"name":        args[0],
				"description": description,
			})
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				printErrorBody(body)
				return fmt.Errorf("create collection failed with status %d", status)
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Collection description")
	return cmd
}

func collectionListCmd() *cobra.Command {
	var page, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))

			c := newClient(socketPath)
			body, status, err := c.get("/collections/?" + q.Encode())
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				printErrorBody(body)
				return fmt.Errorf("list collections failed with status %d", status)
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page")
	cmd.Flags().IntVar(&limit, "limit", 50, "Limit")
	return cmd
}

func collectionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <collectionId>",
		Short: "Delete a collection and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			body, status, err := c.delete("/collections/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			if status != http.StatusNoContent {
				printErrorBody(body)
				return fmt.Errorf("delete collection failed with status %d", status)
			}
			fmt.Println("deleted")
			return nil
		},
	}
	return cmd
}
