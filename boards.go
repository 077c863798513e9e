package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"planner-sync/session"
	"planner-sync/workspace"
)

var (
	token   string
	boardID string
	viewArg string
)

func init() {
	for _, cmd := range []*cobra.Command{boardsCmd, showCmd, mineCmd} {
		cmd.Flags().StringVar(&token, "token", "", "bearer token (default $PLANNER_TOKEN)")
	}
	showCmd.Flags().StringVar(&boardID, "board", "", "board id")
	showCmd.Flags().StringVar(&viewArg, "view", "kanban", "kanban, grid, calendar, summary or all")
	_ = showCmd.MarkFlagRequired("board")
	mineCmd.Flags().StringVar(&viewArg, "view", "grid", "grid, calendar, summary or all")
}

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "List the boards visible to the token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, closeWS, err := cliWorkspace()
		if err != nil {
			return err
		}
		defer closeWS()
		boards, err := ws.Boards.List(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(boards)
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print one projection of a board",
	Long: `Load a board and print one of its projections as JSON.

Examples:
  planner show --board 65f0c1 --view grid
  planner show --board 65f0c1 --view summary --token $TOKEN`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, closeWS, err := cliWorkspace()
		if err != nil {
			return err
		}
		defer closeWS()
		if err := ws.Open(cmd.Context(), boardID); err != nil {
			return err
		}
		printNotices(ws)
		p := ws.Project()
		switch viewArg {
		case "kanban":
			return printJSON(p.Kanban)
		case "grid":
			return printJSON(p.Grid)
		case "calendar":
			return printJSON(p.Calendar)
		case "summary":
			return printJSON(p.Summary)
		case "all":
			return printJSON(p)
		default:
			return fmt.Errorf("unknown view %q", viewArg)
		}
	},
}

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Print the tasks assigned to you across all boards",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, closeWS, err := cliWorkspace()
		if err != nil {
			return err
		}
		defer closeWS()
		d, err := ws.MyTasks(cmd.Context())
		if err != nil {
			return err
		}
		printNotices(ws)
		switch viewArg {
		case "grid":
			return printJSON(d.Grid)
		case "calendar":
			return printJSON(d.Calendar)
		case "summary":
			return printJSON(d.Summary)
		case "all":
			return printJSON(d)
		default:
			return fmt.Errorf("unknown view %q", viewArg)
		}
	},
}

// cliWorkspace builds a single-user workspace straight on the backend. The
// returned func closes the workspace and the redis client, if any.
func cliWorkspace() (*workspace.Workspace, func(), error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}
	if token == "" {
		token = os.Getenv("PLANNER_TOKEN")
	}
	if token == "" {
		return nil, nil, errors.New("a token is required: pass --token or set PLANNER_TOKEN")
	}
	sess, err := session.New(token)
	if err != nil {
		return nil, nil, err
	}
	backend, rc, err := newBackend(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("user_id", sess.UserID()).Debug("cli workspace")
	ws := workspace.New(backend, sess, logger, nil)
	return ws, func() {
		ws.Close()
		if rc != nil {
			if err := rc.Close(); err != nil {
				logger.WithError(err).Debug("redis close")
			}
		}
	}, nil
}

func printJSON(v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

func printNotices(ws *workspace.Workspace) {
	for _, n := range ws.Moves.Notices() {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", n.Action, n.Message)
	}
}
