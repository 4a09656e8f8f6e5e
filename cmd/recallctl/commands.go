package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/fyrsmithlabs/recalld/internal/filter"
	api "github.com/fyrsmithlabs/recalld/internal/http"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

var (
	queryTopK     int
	queryFilter   string
	queryMinScore float32
	queryMetadata bool
	queryRerank   int

	upsertBatch int

	deleteIDs    []string
	deleteFilter string
	deleteAll    bool

	translateProvider string
)

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 10, "number of results")
	queryCmd.Flags().StringVarP(&queryFilter, "filter", "f", "", "filter document (JSON)")
	queryCmd.Flags().Float32Var(&queryMinScore, "min-score", 0, "drop results scoring below this")
	queryCmd.Flags().BoolVar(&queryMetadata, "metadata", false, "include chunk metadata")
	queryCmd.Flags().IntVar(&queryRerank, "rerank", -1, "rerank and keep this many results (0 keeps all)")

	upsertCmd.Flags().IntVar(&upsertBatch, "batch", 100, "records per request")

	deleteCmd.Flags().StringSliceVar(&deleteIDs, "ids", nil, "chunk ids to delete")
	deleteCmd.Flags().StringVarP(&deleteFilter, "filter", "f", "", "delete chunks matching this filter (JSON)")
	deleteCmd.Flags().BoolVar(&deleteAll, "all", false, "delete every chunk in the namespace")
	deleteCmd.MarkFlagsMutuallyExclusive("ids", "filter", "all")
	deleteCmd.MarkFlagsOneRequired("ids", "filter", "all")

	translateCmd.Flags().StringVarP(&translateProvider, "provider", "p", "", "backend to compile for (default: all)")
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check recalld server health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp api.HealthResponse
		if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server Status:    %s\n", resp.Status)
		fmt.Fprintf(out, "Server URL:       %s\n", serverURL)
		fmt.Fprintf(out, "Version:          %s\n", resp.Version)
		fmt.Fprintf(out, "Default provider: %s\n", resp.Engine.DefaultProvider)
		fmt.Fprintf(out, "Open stores:      %s\n", strings.Join(resp.Engine.OpenStores, ", "))
		fmt.Fprintf(out, "Embedder:         %s\n", resp.Engine.Embedder)
		fmt.Fprintf(out, "Keyword search:   %t\n", resp.Engine.Keyword)
		fmt.Fprintf(out, "Reranker:         %t\n", resp.Engine.Reranker)
		if tel := resp.Telemetry; tel != nil && tel.Degraded {
			fmt.Fprintf(out, "Telemetry:        degraded (%s)\n", tel.Reason)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a semantic query against a namespace",
	Long: `Run a semantic query against a namespace.

Examples:
  # Top 5 chunks
  recallctl query -n docs -k 5 "how are refunds processed"

  # Filtered and reranked down to 3
  recallctl query -n docs -f '{"lang": "en", "year": {"$gte": 2023}}' --rerank 3 "refunds"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := namespacePath(namespace, "/query")
		if err != nil {
			return err
		}
		req := api.QueryRequest{
			TenantID:        tenantID,
			Query:           args[0],
			TopK:            queryTopK,
			IncludeMetadata: queryMetadata,
		}
		if queryFilter != "" {
			if !json.Valid([]byte(queryFilter)) {
				return errors.New("--filter is not valid JSON")
			}
			req.Filter = json.RawMessage(queryFilter)
		}
		if cmd.Flags().Changed("min-score") {
			req.MinScore = &queryMinScore
		}
		if queryRerank >= 0 {
			req.Rerank = &retrieval.RerankOptions{Limit: queryRerank}
		}

		var resp retrieval.Response
		if err := newClient(serverURL).do(cmd.Context(), http.MethodPost, path, req, &resp); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		return printResults(cmd.OutOrStdout(), resp)
	},
}

func printResults(out io.Writer, resp retrieval.Response) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCORE\tRERANK\tTEXT")
	for _, r := range resp.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, score(r.Score), score(r.RerankScore), preview(r.Text, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if resp.UnorderedIDs != nil && !resp.Reranked {
		fmt.Fprintln(out, "(rerank unavailable, results in vector order)")
	}
	return nil
}

func score(s *float32) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *s)
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return text
}

var upsertCmd = &cobra.Command{
	Use:   "upsert [file.jsonl]",
	Short: "Write chunks or documents from JSON lines",
	Long: `Write chunks or documents read from a JSON lines file or stdin.

Each line is either a chunk, {"id": "doc#0", "text": "...", "metadata": {...}},
or a whole document to split, {"documentId": "doc", "text": "...", "metadata": {...}}.

Examples:
  recallctl upsert -n docs chunks.jsonl
  cat docs.jsonl | recallctl upsert -n docs -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := namespacePath(namespace, "/chunks")
		if err != nil {
			return err
		}
		if upsertBatch <= 0 {
			return errors.New("--batch must be positive")
		}

		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", args[0], err)
			}
			defer f.Close()
			in = f
		}
		records, err := readRecords(in)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return errors.New("no records to write")
		}

		c := newClient(serverURL)
		written := 0
		for _, batch := range lo.Chunk(records, upsertBatch) {
			req := api.UpsertRequest{TenantID: tenantID}
			for _, r := range batch {
				if r.chunk != nil {
					req.Chunks = append(req.Chunks, *r.chunk)
				} else {
					req.Documents = append(req.Documents, *r.doc)
				}
			}
			var resp api.UpsertResponse
			if err := c.do(cmd.Context(), http.MethodPost, path, req, &resp); err != nil {
				return fmt.Errorf("after %d chunks: %w", written, err)
			}
			written += len(resp.IDs)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d chunk(s) to %s\n", written, namespace)
		return nil
	},
}

// record is one input line: a chunk or a document.
type record struct {
	chunk *retrieval.ChunkInput
	doc   *retrieval.DocumentInput
}

func readRecords(r io.Reader) ([]record, error) {
	var out []record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for line := 1; sc.Scan(); line++ {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var probe struct {
			DocumentID *string `json:"documentId"`
		}
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if probe.DocumentID != nil {
			var d retrieval.DocumentInput
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, record{doc: &d})
			continue
		}
		var c retrieval.ChunkInput
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, record{chunk: &c})
	}
	return out, sc.Err()
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete chunks by id or filter, or a whole namespace",
	Long: `Delete chunks by id or filter, or every chunk in a namespace.

Examples:
  recallctl delete -n docs --ids doc#0,doc#1
  recallctl delete -n docs -f '{"documentId": "doc"}'
  recallctl delete -n docs -t acme --all`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newClient(serverURL)
		if deleteAll {
			path, err := namespacePath(namespace, "")
			if err != nil {
				return err
			}
			if tenantID != "" {
				path += "?tenant_id=" + tenantID
			}
			if err := c.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted namespace %s\n", namespace)
			return nil
		}

		path, err := namespacePath(namespace, "/chunks/delete")
		if err != nil {
			return err
		}
		req := api.DeleteChunksRequest{TenantID: tenantID, IDs: deleteIDs}
		if deleteFilter != "" {
			if !json.Valid([]byte(deleteFilter)) {
				return errors.New("--filter is not valid JSON")
			}
			req.Filter = json.RawMessage(deleteFilter)
		}
		if err := c.do(cmd.Context(), http.MethodPost, path, req, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Deleted")
		return nil
	},
}

var dimensionsCmd = &cobra.Command{
	Use:   "dimensions",
	Short: "Show the vector size stored in a namespace",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := namespacePath(namespace, "/dimensions")
		if err != nil {
			return err
		}
		if tenantID != "" {
			path += "?tenant_id=" + tenantID
		}
		var resp api.DimensionsResponse
		if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Dimensions)
		return nil
	},
}

// translateCmd compiles a filter locally; it does not contact the server.
var translateCmd = &cobra.Command{
	Use:   "translate [filter.json]",
	Short: "Show how a filter compiles for each vector backend",
	Long: `Parse a filter and print its native form for each vector backend.
Nothing is sent to the server.

Examples:
  recallctl translate <<< '{"lang": "en", "tags": {"$in": ["a", "b"]}}'
  recallctl translate -p qdrant filter.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if len(args) == 1 && args[0] != "-" {
			raw, err = os.ReadFile(args[0])
		} else {
			raw, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("failed to read filter: %w", err)
		}

		expr, err := filter.ParseJSON(raw)
		if err != nil {
			return err
		}

		providers := vectorstore.Providers
		if translateProvider != "" {
			p, err := vectorstore.ParseProvider(translateProvider)
			if err != nil {
				return err
			}
			providers = []vectorstore.Provider{p}
		}

		out := cmd.OutOrStdout()
		var errs []error
		for _, p := range providers {
			native, err := p.Translate(expr)
			fmt.Fprintf(out, "# %s\n", p)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n\n", err)
				errs = append(errs, fmt.Errorf("%s: %w", p, err))
				continue
			}
			text, err := renderNative(native)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\n\n", text)
		}
		if len(errs) == len(providers) {
			return errors.Join(errs...)
		}
		return nil
	},
}

// renderNative prints protobuf filters with protojson and everything else
// as JSON.
func renderNative(native any) (string, error) {
	if native == nil {
		return "(no filter)", nil
	}
	if m, ok := native.(proto.Message); ok {
		b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
		return string(b), err
	}
	b, err := json.MarshalIndent(native, "", "  ")
	return string(b), err
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
