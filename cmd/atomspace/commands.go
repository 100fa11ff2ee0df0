package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/i5heu/atomspace"
	"github.com/i5heu/atomspace/api"
	"github.com/i5heu/atomspace/internal/workerpool"
	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/query"
	"github.com/i5heu/atomspace/pkg/traverse"
)

// preload adds every atom file in paths, used to seed ephemeral stores.
func (f *globalFlags) preload(cmd *cobra.Command, as *atomspace.AtomSpace, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	pool := workerpool.New(workerpool.Config{WorkerCount: f.workers})
	defer pool.Close()

	for _, path := range paths {
		inputs, err := readAtomFile(path)
		if err != nil {
			return err
		}
		n, err := loadAtoms(cmd.Context(), pool, as, inputs)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "loaded %d atoms from %s\n", n, path)
	}
	return nil
}

func closeSpace(as *atomspace.AtomSpace) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = as.Close(ctx)
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		listen string
		files  []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the atom space over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			as, conf, logger, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer closeSpace(as)
			if err := flags.preload(cmd, as, files); err != nil {
				return err
			}
			if listen == "" {
				listen = conf.Listen
			}

			db, err := as.DB()
			if err != nil {
				return err
			}
			opts := []api.Option{api.WithLogger(logger)}
			if !conf.DisableIndex {
				opts = append(opts, api.WithSearcher(as))
			}
			srv := &http.Server{
				Addr:              listen,
				Handler:           api.New(db, opts...).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", logKeyListenAddr, listen, logKeyBackend, conf.Backend)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", logKeyError, err)
					return err
				}
				return nil
			case <-cmd.Context().Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (default from config)")
	cmd.Flags().StringSliceVar(&files, "load", nil, "Atom files to load before serving")
	return cmd
}

func loadCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "load FILE...",
		Short:   "Load atoms from JSON or YAML files",
		Example: "atomspace load --backend badger --data ./data taxonomy.yaml animals.json.xz",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _, logger, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer closeSpace(as)
			if err := flags.preload(cmd, as, args); err != nil {
				return err
			}
			counts, err := as.CountAtoms(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("load finished", logKeyNodes, counts.Nodes, logKeyLinks, counts.Links)
			return nil
		},
	}
}

// readExpression reads the expression argument: a file path, "-" for stdin
// or inline JSON.
func readExpression(cmd *cobra.Command, arg string) (query.Expression, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(strings.TrimSpace(arg), "{"):
		data = []byte(arg)
	default:
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read expression: %w", err)
	}
	return query.UnmarshalExpression(data)
}

func queryCmd(flags *globalFlags) *cobra.Command {
	var (
		format string
		files  []string
	)
	cmd := &cobra.Command{
		Use:   "query EXPRESSION",
		Short: "Match a pattern and print one answer per line",
		Example: `atomspace query --load taxonomy.yaml \
  '{"and":[{"link":{"type":"Inheritance","targets":[{"variable":"V1"},{"variable":"V2"}]}}]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := query.ParseOutputFormat(format)
			if err != nil {
				return err
			}
			expr, err := readExpression(cmd, args[0])
			if err != nil {
				return err
			}
			as, _, _, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer closeSpace(as)
			if err := flags.preload(cmd, as, files); err != nil {
				return err
			}

			answers, err := as.Query(cmd.Context(), expr, outFormat)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for answers.Next() {
				a := answers.Value()
				var out any = a.Bindings
				switch outFormat {
				case query.FormatAtomInfo:
					out = a.Atoms
				case query.FormatJSON:
					out = a.JSON
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			return answers.Err()
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", query.FormatHandle.String(), "Output format (HANDLE, ATOM_INFO, JSON)")
	cmd.Flags().StringSliceVar(&files, "load", nil, "Atom files to load before querying")
	return cmd
}

// resolveStart accepts a hex handle or TYPE:NAME.
func resolveStart(ctx context.Context, as *atomspace.AtomSpace, s string) (hasher.Handle, error) {
	if h, err := hasher.ParseHandle(s); err == nil {
		return h, nil
	}
	nodeType, name, ok := strings.Cut(s, ":")
	if !ok {
		return hasher.Handle{}, fmt.Errorf("start %q is neither a handle nor TYPE:NAME", s)
	}
	doc, err := as.GetNode(ctx, nodeType, name)
	if err != nil {
		return hasher.Handle{}, err
	}
	return doc.Handle, nil
}

func walkCmd(flags *globalFlags) *cobra.Command {
	var (
		from       string
		steps      int
		linkType   string
		targetType string
		files      []string
	)
	cmd := &cobra.Command{
		Use:     "walk",
		Short:   "Random walk along links from a start atom",
		Example: "atomspace walk --load taxonomy.yaml --from Concept:human --steps 5 --seed 42",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _, _, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer closeSpace(as)
			if err := flags.preload(cmd, as, files); err != nil {
				return err
			}

			ctx := cmd.Context()
			start, err := resolveStart(ctx, as, from)
			if err != nil {
				return err
			}
			cursor, err := as.DocumentCursor(ctx, start)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			opts := traverse.FollowOptions{LinkType: linkType, TargetType: targetType}
			for i := 0; ; i++ {
				doc, err := cursor.Get(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d\t%s\t%s\n", i, doc.Handle, describe(doc))
				if i == steps {
					return nil
				}
				moved, err := cursor.FollowLink(ctx, opts)
				if err != nil {
					return err
				}
				if !moved {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start atom as handle or TYPE:NAME")
	cmd.Flags().IntVar(&steps, "steps", 10, "Maximum number of steps")
	cmd.Flags().StringVar(&linkType, "link-type", "", "Only follow links of this type")
	cmd.Flags().StringVar(&targetType, "target-type", "", "Only move to atoms of this type")
	cmd.Flags().StringSliceVar(&files, "load", nil, "Atom files to load before walking")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func describe(doc atomdb.AtomDocument) string {
	if !doc.IsLink() {
		return doc.Type + ":" + doc.Name
	}
	parts := make([]string, len(doc.Targets))
	for i, t := range doc.Targets {
		parts[i] = t.String()
	}
	return doc.Type + "(" + strings.Join(parts, ", ") + ")"
}

func countCmd(flags *globalFlags) *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Print the number of nodes and links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _, _, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer closeSpace(as)
			if err := flags.preload(cmd, as, files); err != nil {
				return err
			}
			counts, err := as.CountAtoms(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "nodes: %d\nlinks: %d\n", counts.Nodes, counts.Links)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&files, "load", nil, "Atom files to load before counting")
	return cmd
}

func searchCmd(flags *globalFlags) *cobra.Command {
	var (
		nodeType string
		files    []string
	)
	cmd := &cobra.Command{
		Use:   "search SUBSTRING",
		Short: "Find nodes whose name contains a substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _, _, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer closeSpace(as)
			if err := flags.preload(cmd, as, files); err != nil {
				return err
			}

			ctx := cmd.Context()
			handles, err := as.GetMatchedNodeName(ctx, nodeType, args[0])
			if err != nil {
				return err
			}
			docs := make([]atomdb.AtomDocument, 0, len(handles))
			for _, h := range handles {
				doc, err := as.GetAtom(ctx, h)
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}
			for _, doc := range docs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", doc.Handle, describe(doc))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeType, "type", "", "Only match nodes of this type")
	cmd.Flags().StringSliceVar(&files, "load", nil, "Atom files to load before searching")
	return cmd
}
