// Command agentmuxctl is the operator CLI for the Agent Session Supervisor
// daemon: it talks to agentmuxd's HTTP API to list sessions, inspect
// status, and send messages/keys. Grounded on the teacher's cmd/wt (a thin
// cobra CLI over the daemon's HTTP API via a small client helper).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) do(method, path string, body io.Reader) (*envelope, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return &env, fmt.Errorf("%s: %s", env.Error, env.Message)
	}
	return &env, nil
}

func main() {
	addr := os.Getenv("AGENTMUXD_ADDR")
	if addr == "" {
		addr = "http://localhost:3001"
	}
	client := &apiClient{baseURL: strings.TrimRight(addr, "/"), http: http.DefaultClient}

	root := &cobra.Command{
		Use:   "agentmuxctl",
		Short: "operator CLI for the agent session supervisor",
	}

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client.do(http.MethodGet, "/api/sessions", nil)
			if err != nil {
				return err
			}
			var names []string
			if err := json.Unmarshal(env.Data, &names); err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status [session]",
		Short: "show a session's effective status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client.do(http.MethodGet, "/api/sessions/"+args[0]+"/status", nil)
			if err != nil {
				return err
			}
			fmt.Println(string(env.Data))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "output [session]",
		Short: "capture a session's recent terminal output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client.do(http.MethodGet, "/api/sessions/"+args[0]+"/output", nil)
			if err != nil {
				return err
			}
			fmt.Println(string(env.Data))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "send [session] [message]",
		Short: "send a message to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"payload": args[1]})
			_, err := client.do(http.MethodPost, "/api/sessions/"+args[0]+"/message", strings.NewReader(string(body)))
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "key [session] [key]",
		Short: "send a symbolic key to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"key": args[1]})
			_, err := client.do(http.MethodPost, "/api/sessions/"+args[0]+"/key", strings.NewReader(string(body)))
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch [session]",
		Short: "render a session's live status until 'q' is pressed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchStatus(client, args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "kill [session]",
		Short: "terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := client.do(http.MethodDelete, "/api/sessions/"+args[0], nil)
			return err
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// watchStatus polls a session's effective status once a second and redraws
// the terminal line in place, the way the teacher's doctor-style live
// views do. stdin is put into raw mode only so a single 'q' keypress quits
// without waiting on Enter; the terminal state is always restored on exit.
func watchStatus(client *apiClient, sessionName string) error {
	fd := int(os.Stdin.Fd())
	quit := make(chan struct{})
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
			go func() {
				buf := make([]byte, 1)
				for {
					if _, err := os.Stdin.Read(buf); err != nil {
						return
					}
					if buf[0] == 'q' || buf[0] == 3 { // 3 = Ctrl-C
						close(quit)
						return
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	render := func() {
		env, err := client.do(http.MethodGet, "/api/sessions/"+sessionName+"/status", nil)
		fmt.Print("\r\033[K")
		if err != nil {
			fmt.Printf("%s: error: %v", sessionName, err)
			return
		}
		fmt.Printf("%s: %s", sessionName, string(env.Data))
	}

	render()
	for {
		select {
		case <-ticker.C:
			render()
		case <-quit:
			fmt.Println()
			return nil
		}
	}
}
