package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"comet-auto/internal/config"
	"comet-auto/internal/session"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

// completedSentinel ends every successful answer on stdout so wrapping
// scripts can tell a finished answer from a truncated stream.
const completedSentinel = "===COMPLETED==="

func newAskCmd(opts *rootOptions) *cobra.Command {
	var newChat bool
	var timeoutS float64
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Ask the assistant and print the answer (reads stdin when no prompt is given)",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return usageError(fmt.Errorf("ask takes a single prompt argument, got %d (quote the prompt)", len(args)))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return usageError(err)
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			closeLog, err := withLogFile(cmd, opts, cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := newStack(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			answer, err := st.serial.Ask(cmd.Context(), prompt, askOptions(cfg, newChat, timeoutS))
			if err != nil {
				return err
			}
			if answer.Partial {
				pslog.Ctx(cmd.Context()).Warn("answer may be incomplete", "ask", answer.AskID, "elapsed", answer.Elapsed)
			}
			return writeAnswer(cmd.OutOrStdout(), answer)
		},
	}
	cmd.Flags().BoolVar(&newChat, "new-chat", false, "start a fresh conversation")
	cmd.Flags().Float64Var(&timeoutS, "timeout", 0, "seconds to wait for the answer (default polling.default_timeout)")
	return cmd
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	var prompt string
	if len(args) > 0 {
		prompt = args[0]
	}
	if strings.TrimSpace(prompt) == "" && stdin != nil {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = string(raw)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

// askOptions falls back to polling.default_timeout when --timeout is unset.
func askOptions(cfg config.Config, newChat bool, timeoutS float64) session.AskOptions {
	return session.AskOptions{
		NewChat: newChat,
		Timeout: config.Seconds(timeoutS, cfg.Polling.AskTimeout()),
	}
}

func writeAnswer(w io.Writer, answer session.Answer) error {
	if _, err := fmt.Fprintln(w, strings.TrimSpace(answer.Text)); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, completedSentinel)
	return err
}
