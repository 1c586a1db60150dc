package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/coordinator"
	"github.com/nainya/viewstore/pkg/docstore"
	"github.com/nainya/viewstore/pkg/document"
	"github.com/nainya/viewstore/pkg/query"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) loadCommand() *cobra.Command {
	var syncAfter, overwrite bool
	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Write documents from a JSON array",
		Long: `Reads a JSON array of documents, each with an "_id" and an "@class".
A document is written against the "_rev" it carries, so new documents have
none and updates name the revision they replace. Stale or missing revisions
are reported as conflicts and skipped. With --overwrite every document
replaces whatever revision is stored.

Examples:
  viewstore load library.json
  viewstore load library.json --sync
  viewstore load library.json --overwrite`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var docs []*document.Document
			if err := json.Unmarshal(data, &docs); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			a, err := c.app(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			written, conflicts := 0, 0
			for _, doc := range docs {
				if overwrite {
					if doc.Rev, err = currentRev(ctx, a.store, doc.ID); err != nil {
						return err
					}
				}
				if _, err := a.store.Put(ctx, doc); err != nil {
					if errors.Is(err, docstore.ErrRevisionConflict) {
						conflicts++
						fmt.Fprintf(out, "conflict: %v\n", err)
						continue
					}
					return fmt.Errorf("put %s: %w", doc.ID, err)
				}
				written++
			}
			fmt.Fprintf(out, "loaded %d documents, %d conflicts\n", written, conflicts)

			if !syncAfter {
				return nil
			}
			reports, err := a.coord.SyncAll(ctx)
			printReports(out, reports)
			return err
		},
	}
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "sync every view after loading")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace stored revisions instead of honouring _rev")
	return cmd
}

// currentRev returns the stored revision of id, or "" when it is new
func currentRev(ctx context.Context, store docstore.Store, id string) (string, error) {
	cur, err := store.Get(ctx, id)
	switch {
	case err == nil:
		return cur.Rev, nil
	case errors.Is(err, docstore.ErrNotFound):
		return "", nil
	default:
		return "", err
	}
}

func (c *cli) attachCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "attach ID NAME FILE",
		Short: "Store a file as an attachment of a document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, name, path := args[0], args[1], args[2]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(path))
			}
			if contentType == "" {
				contentType = "application/octet-stream"
			}

			a, err := c.app(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			cur, err := a.store.Get(ctx, id)
			if err != nil {
				return err
			}
			doc, err := a.store.PutAttachment(ctx, id, cur.Rev, &document.Attachment{
				Name:        name,
				ContentType: contentType,
				Data:        data,
			})
			if err != nil {
				return err
			}
			stub := doc.Attachments[name]
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %d bytes, %s, rev %s\n", id, name, stub.Length, stub.Digest, doc.Rev)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "type", "", "content type (default from the file extension)")
	return cmd
}

func printReports(w io.Writer, reports []*coordinator.SyncReport) {
	for _, r := range reports {
		if r == nil {
			continue
		}
		state := "current"
		if r.Rebuilt {
			state = "rebuilt"
		}
		fmt.Fprintf(w, "%-36s %-8s marker=%-6d rows=%-7d skipped=%-4d %s\n",
			r.View, state, r.Marker, r.Rows, len(r.Skipped), r.Duration)
		for _, sk := range r.Skipped {
			fmt.Fprintf(w, "  skipped %s: %v\n", sk.ID, sk.Err)
		}
	}
}

func (c *cli) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [VIEW...]",
		Short: "Bring views up to date with the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if len(args) == 0 {
				reports, err := a.coord.SyncAll(ctx)
				printReports(cmd.OutOrStdout(), reports)
				return err
			}
			var errs []error
			reports := make([]*coordinator.SyncReport, 0, len(args))
			for _, name := range args {
				r, err := a.coord.Sync(ctx, name)
				errs = append(errs, err)
				reports = append(reports, r)
			}
			printReports(cmd.OutOrStdout(), reports)
			return errors.Join(errs...)
		},
	}
}

type queryFlags struct {
	start          string
	end            string
	key            string
	prefix         string
	exclusiveStart bool
	exclusiveEnd   bool
	descending     bool
	skip           int
	limit          int
	group          bool
	groupLevel     int
	reduce         bool
	stale          bool
	includeDocs    bool
	includeMissing bool
}

// keyFlag applies the JSON key in s to the builder through set
func keyFlag(name, s string, set func(...any) *query.Builder) error {
	if s == "" {
		return nil
	}
	k, err := collate.ParseKeyJSON(s)
	if err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	set(k...)
	return nil
}

func (f *queryFlags) request(viewName string) (query.Request, error) {
	b := query.NewBuilder(viewName)
	err := errors.Join(
		keyFlag("start", f.start, b.Start),
		keyFlag("end", f.end, b.End),
		keyFlag("key", f.key, b.Key),
		keyFlag("prefix", f.prefix, b.Prefix),
	)
	if err != nil {
		return query.Request{}, err
	}
	if f.exclusiveStart {
		b.ExclusiveStart()
	}
	if f.exclusiveEnd {
		b.ExclusiveEnd()
	}
	if f.descending {
		b.Descending()
	}
	b.Skip(f.skip).Limit(f.limit)
	if f.group {
		b.Group()
	}
	if f.groupLevel > 0 {
		b.GroupLevel(f.groupLevel)
	}
	if f.reduce {
		b.Reduce()
	}
	if f.stale {
		b.Stale()
	}
	if f.includeDocs {
		b.IncludeDocs()
	}
	if f.includeMissing {
		b.IncludeMissing()
	}
	return b.Build(), nil
}

func (c *cli) queryCommand() *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query VIEW",
		Short: "Query a view and print the JSON response",
		Long: `Keys are JSON arrays; {} inside a key sorts after every other value.

Examples:
  viewstore query series_by_attribute --prefix '["genre:action"]'
  viewstore query volume_by_series --start '["s1", 3]' --end '["s1", {}]' --limit 1
  viewstore query bookmarks_by_user --start '["u1", {}]' --end '["u1"]' --descending
  viewstore query page_bytes_by_owner --group`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args[0])
			if err != nil {
				return err
			}
			a, err := c.app(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.engine.Execute(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.start, "start", "", "start key (JSON array)")
	fl.StringVar(&f.end, "end", "", "end key (JSON array)")
	fl.StringVar(&f.key, "key", "", "exact key prefix (JSON array)")
	fl.StringVar(&f.prefix, "prefix", "", "key prefix followed by anything (JSON array)")
	fl.BoolVar(&f.exclusiveStart, "exclusive-start", false, "exclude rows equal to the start key")
	fl.BoolVar(&f.exclusiveEnd, "exclusive-end", false, "exclude rows equal to the end key")
	fl.BoolVar(&f.descending, "descending", false, "reverse order; start becomes the upper bound")
	fl.IntVar(&f.skip, "skip", 0, "rows to skip")
	fl.IntVar(&f.limit, "limit", 0, "maximum rows, 0 for all")
	fl.BoolVar(&f.group, "group", false, "reduce rows with equal keys")
	fl.IntVar(&f.groupLevel, "group-level", 0, "reduce rows sharing this many key elements")
	fl.BoolVar(&f.reduce, "reduce", false, "reduce the whole range")
	fl.BoolVar(&f.stale, "stale", false, "read without syncing first")
	fl.BoolVar(&f.includeDocs, "include-docs", false, "attach documents to rows")
	fl.BoolVar(&f.includeMissing, "include-missing", false, "keep rows whose document is gone")
	cmd.MarkFlagsMutuallyExclusive("key", "prefix", "start")
	cmd.MarkFlagsMutuallyExclusive("key", "prefix", "end")
	return cmd
}

func (c *cli) viewsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "views",
		Short: "List registered views",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-36s %-7s %s\n", "VIEW", "REDUCE", "VERSION")
			for _, name := range a.views.Names() {
				def, err := a.views.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-36s %-7t %s\n", name, def.Reduces(), def.Version)
			}
			return nil
		},
	}
}
