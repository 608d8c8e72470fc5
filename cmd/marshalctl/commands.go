package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
	"github.com/animus-labs/snippet-marshal/internal/intake"
)

func printJSON(cmd *cobra.Command, data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(out.Bytes())
	return err
}

func (c *cli) getAndPrint(cmd *cobra.Command, path string, query url.Values) error {
	data, err := c.client.do(cmd.Context(), http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, data)
}

func (c *cli) sendAndPrint(cmd *cobra.Command, method, path string, query url.Values, body any) error {
	data, err := c.client.do(cmd.Context(), method, path, query, body)
	if err != nil {
		return err
	}
	return printJSON(cmd, data)
}

func (c *cli) enginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the engine catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.getAndPrint(cmd, "/v1/engines", nil)
		},
	}
}

// languageForFile maps a source file extension to a built-in engine language.
func languageForFile(path string) domain.Language {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return ""
	}
	for _, d := range engine.Defaults() {
		if strings.EqualFold(d.Extension, ext) {
			return d.Language
		}
	}
	return ""
}

func readSource(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func (c *cli) submitCmd() *cobra.Command {
	var (
		req  intake.Request
		lang string
		eng  string
		run  bool
	)
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Stage a snippet for a slot",
		Long: `Stage the snippet in FILE ("-" reads stdin) for a language slot.

The server queues it for execution and verification; use "status --wait"
to follow it. With --run the whole pipeline runs before the command returns.

Examples:
  marshalctl submit factorial.rs --slot d2 --label Factorial --auto-promote
  marshalctl submit - --language python --slot a1 --label Hello --run < hello.py`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd, args[0])
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}
			req.Source = string(src)
			req.Language = domain.Language(lang)
			if req.Language == "" && args[0] != "-" {
				req.Language = languageForFile(args[0])
			}
			if req.Language == "" {
				return errors.New("--language is required when it cannot be derived from the file extension")
			}
			req.Engine = domain.EngineID(eng)
			if req.Engine == "" {
				letter, _, err := domain.ParseSlotID(req.SlotID)
				if err != nil {
					return fmt.Errorf("--slot: %w", err)
				}
				req.Engine = domain.EngineID(letter)
			}
			path := "/v1/staging"
			if run {
				path = "/v1/staging/run"
			}
			return c.sendAndPrint(cmd, http.MethodPost, path, nil, req)
		},
	}
	f := cmd.Flags()
	f.StringVar(&lang, "language", "", "snippet language (default from the file extension)")
	f.StringVar(&eng, "engine", "", "engine id such as RUST-d (default from the slot letter)")
	f.StringVar(&req.SlotID, "slot", "", "target slot id such as d2")
	f.StringVar(&req.Label, "label", "", "snippet label; selects the expected-output spec")
	f.StringVar(&req.Submitter, "submitter", "", "submitter recorded on the staging record")
	f.BoolVar(&req.AutoPromote, "auto-promote", false, "promote automatically when verification passes")
	f.BoolVar(&run, "run", false, "execute, verify and promote synchronously")
	_ = cmd.MarkFlagRequired("slot")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

type stagingState struct {
	StagingID string              `json:"staging_id"`
	State     domain.StagingState `json:"state"`
}

func (c *cli) statusCmd() *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status STAGING_ID",
		Short: "Show a staging record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/staging" + escape(args[0])
			if wait {
				if err := c.waitSettled(cmd.Context(), path, interval); err != nil {
					return err
				}
			}
			return c.getAndPrint(cmd, path, nil)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the record leaves STAGED")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval for --wait")
	return cmd
}

func (c *cli) waitSettled(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var rec stagingState
		if err := c.client.getJSON(ctx, path, nil, &rec); err != nil {
			return err
		}
		if rec.State != domain.StateStaged {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		language, slot, state, hash string
		limit                       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staging records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "language", language)
			setIf(q, "slot_id", slot)
			setIf(q, "state", state)
			setIf(q, "content_hash", hash)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return c.getAndPrint(cmd, "/v1/staging", q)
		},
	}
	f := cmd.Flags()
	f.StringVar(&language, "language", "", "filter by language")
	f.StringVar(&slot, "slot", "", "filter by slot id")
	f.StringVar(&state, "state", "", "filter by state (STAGED, VERIFIED_PASS, VERIFIED_FAIL, PROMOTED, ABANDONED)")
	f.StringVar(&hash, "hash", "", "filter by content hash")
	f.IntVar(&limit, "limit", 0, "maximum records to return")
	return cmd
}

func setIf(q url.Values, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		q.Set(key, v)
	}
}

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count staging records per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.getAndPrint(cmd, "/v1/staging/summary", nil)
		},
	}
}

func (c *cli) abandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon STAGING_ID",
		Short: "Abandon a staged record before it executes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendAndPrint(cmd, http.MethodDelete, "/v1/staging"+escape(args[0]), nil, nil)
		},
	}
}

func (c *cli) promoteCmd() *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "promote STAGING_ID",
		Short: "Promote a verified record into its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q url.Values
			if retries > 0 {
				q = url.Values{"retries": {strconv.Itoa(retries)}}
			}
			return c.sendAndPrint(cmd, http.MethodPost, "/v1/staging"+escape(args[0], "promote"), q, nil)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retry on stale slot versions up to this many times")
	return cmd
}

func (c *cli) slotsCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "language", language)
			return c.getAndPrint(cmd, "/v1/slots", q)
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "only slots of this language")
	return cmd
}

func (c *cli) slotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slot LANGUAGE SLOT_ID",
		Short: "Show a slot and its promotion history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getAndPrint(cmd, "/v1/slots"+escape(args[0], args[1]), nil)
		},
	}
}

func (c *cli) eventsCmd() *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "events LANGUAGE SLOT_ID",
		Short: "Show the audit events of a slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, k := range kinds {
				q.Add("kind", k)
			}
			return c.getAndPrint(cmd, "/v1/slots"+escape(args[0], args[1], "events"), q)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only these event kinds (Promoted, Verified, ...)")
	return cmd
}

func (c *cli) lockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "lock LANGUAGE SLOT_ID",
		Short: "Reject promotions into a slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendAndPrint(cmd, http.MethodPost, "/v1/slots"+escape(args[0], args[1], "lock"), nil,
				map[string]string{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the lock")
	return cmd
}

func (c *cli) unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock LANGUAGE SLOT_ID",
		Short: "Accept promotions into a slot again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendAndPrint(cmd, http.MethodDelete, "/v1/slots"+escape(args[0], args[1], "lock"), nil, nil)
		},
	}
}

func (c *cli) reverifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverify [LANGUAGE SLOT_ID]",
		Short: "Re-run the active snippet of one slot, or of every slot",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts 0 or 2 args, received %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/slots/reverify"
			if len(args) == 2 {
				path = "/v1/slots" + escape(args[0], args[1], "reverify")
			}
			return c.sendAndPrint(cmd, http.MethodPost, path, nil, nil)
		},
	}
}

func (c *cli) contentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "content HASH",
		Short: "Print the stored source of a content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.client.do(cmd.Context(), http.MethodGet, "/v1/content"+escape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (c *cli) driftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drift HASH",
		Short: "Show execution times of every verification of a content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getAndPrint(cmd, "/v1/content"+escape(args[0], "drift"), nil)
		},
	}
}

func (c *cli) auditCmd() *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if after > 0 {
				q.Set("after_seq", strconv.FormatInt(after, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return c.getAndPrint(cmd, "/v1/audit", q)
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events to return")
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.getAndPrint(cmd, "/v1/audit/verify", nil)
		},
	})
	return cmd
}
