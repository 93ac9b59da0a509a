package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/service"
)

// apiClient calls the REST API of a running server.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	base, _ := cmd.Flags().GetString("api")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid --api %q: %w", base, err)
	}
	return &apiClient{base: strings.TrimRight(base, "/"), hc: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show the state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var v execution.View
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/executions/"+url.PathEscape(args[0]), nil, &v); err != nil {
				return err
			}
			return printView(&v)
		},
	}
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			var v execution.View
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/cancel"
			if err := c.do(cmd.Context(), http.MethodPost, path, map[string]string{"reason": reason}, &v); err != nil {
				return err
			}
			return printView(&v)
		},
	}
	cmd.Flags().String("reason", "", "reason recorded on the execution")
	return cmd
}

func newSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start processing a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			uri, _ := cmd.Flags().GetString("uri")
			id, _ := cmd.Flags().GetString("id")
			docID, _ := cmd.Flags().GetString("document-id")
			pages, _ := cmd.Flags().GetInt("pages")
			async, _ := cmd.Flags().GetBool("async")

			req := service.StartRequest{
				ExecutionID: id,
				Document:    document.Document{ID: docID, URI: uri, PageCount: pages},
			}
			if async {
				var out struct {
					ExecutionID string `json:"execution_id"`
				}
				if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/documents", req, &out); err != nil {
					return err
				}
				fmt.Println(out.ExecutionID)
				return nil
			}

			var v execution.View
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/executions", req, &v); err != nil {
				return err
			}
			return printView(&v)
		},
	}
	cmd.Flags().String("uri", "", "document location, e.g. s3://bucket/key.pdf (required)")
	cmd.Flags().String("id", "", "execution id (generated when empty)")
	cmd.Flags().String("document-id", "", "caller's document id")
	cmd.Flags().Int("pages", 0, "page count, if known")
	cmd.Flags().Bool("async", false, "queue the document instead of starting it synchronously")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}

// printView writes a table on a terminal and JSON otherwise.
func printView(v *execution.View) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec // fd fits in int
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "EXECUTION\t%s\n", v.ExecutionID)
	fmt.Fprintf(w, "STATE\t%s\n", v.State)
	fmt.Fprintf(w, "ATTEMPT\t%d\n", v.Attempt)
	if v.JobHandle != "" {
		fmt.Fprintf(w, "JOB\t%s\n", v.JobHandle)
	}
	if v.ConfidenceDecision != "" {
		fmt.Fprintf(w, "CONFIDENCE\t%s\n", v.ConfidenceDecision)
	}
	if v.LastError != nil {
		fmt.Fprintf(w, "ERROR\t%s: %s\n", v.LastError.Kind, v.LastError.Message)
	}
	if v.OutputURI != "" {
		fmt.Fprintf(w, "OUTPUT\t%s\n", v.OutputURI)
	}
	fmt.Fprintf(w, "UPDATED\t%s\n", v.UpdatedAt.Format(time.RFC3339))
	if len(v.ReviewUnits) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "UNIT\tSECTION\tPAGE\tSTATUS\tREVIEWER\tESCALATIONS")
		for _, u := range v.ReviewUnits {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n", u.ID, u.SectionID, u.Page, u.Status, u.Reviewer, u.Escalations)
		}
	}
	return w.Flush()
}
