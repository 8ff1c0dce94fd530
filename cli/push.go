package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/metasvc/corehub/extsource"
	"github.com/metasvc/corehub/internal/pgstore"
	"github.com/metasvc/corehub/keymap"
	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/push"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "replicate a dataset's models to a remote target",
	Run:   runPush,
}

// clientCredential is one entry of the YAML credentials file: a map from
// client_id to {secret, server, scopes}.
type clientCredential struct {
	Secret string   `yaml:"secret"`
	Server string   `yaml:"server"`
	Scopes []string `yaml:"scopes"`
}

func init() {
	f := pushCmd.Flags()
	f.StringP("output", "o", "", "target base URL to push to (overrides the credentials file's server)")
	f.StringP("credentials", "r", "", "path to the YAML client-credentials file")
	f.StringP("client", "c", "", "client_id to read from the credentials file")
	f.StringP("dataset", "d", "", "qualified dataset name to limit the push to (default: every dataset)")
	f.Int("chunk-size", 1<<20, "maximum batch size in bytes")
	f.Duration("stop-time", 0, "wall-clock budget for this run (0 = unbounded)")
	f.Int("stop-row", 0, "maximum rows to send in this run, counted across all models (0 = unbounded)")
	f.String("state", "push-state.db", "path to the sqlite push-state file")
	f.String("mode", "internal", `source mode: "internal" (this service's own backend) or "external" (the dataset's bound external source)`)
	f.Bool("no-progress-bar", false, "disable the progress bar (progress reporting is a collaborator concern; this flag only silences it)")
	f.Bool("stop-on-error", false, "abort the run on the first per-row remote rejection instead of tolerating up to the max-error threshold")
	f.String("keymap", "keymap.db", "path to the bbolt KeyMap file (used by external mode's pk synthesis)")

	RootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	f := cmd.Flags()

	mf, err := manifest.LoadFile(viper.GetString("manifest"))
	cobra.CheckErr(err)
	mf.LinkAccess()

	target, err := resolveTarget(f)
	cobra.CheckErr(err)

	datasetFilter, _ := f.GetString("dataset")
	models := selectModels(mf, datasetFilter)
	if len(models) == 0 {
		cobra.CheckErr(fmt.Errorf("no models matched dataset filter %q", datasetFilter))
	}

	statePath, _ := f.GetString("state")
	state, err := push.OpenStateStore(statePath)
	cobra.CheckErr(err)
	defer state.Close()

	databaseURL := viper.GetString("database.url")

	mode, _ := f.GetString("mode")
	source, cleanup, err := buildSource(ctx, mf, mode, f, databaseURL, state)
	cobra.CheckErr(err)
	defer cleanup()

	chunkSize, _ := f.GetInt("chunk-size")
	stopTime, _ := f.GetDuration("stop-time")
	stopRow, _ := f.GetInt("stop-row")
	stopOnError, _ := f.GetBool("stop-on-error")

	engine := push.NewEngine(mf, source, state, target, nil, push.Options{
		StopTime:    stopTime,
		StopRow:     stopRow,
		ChunkSize:   chunkSize,
		StopOnError: stopOnError,
	})

	runCtx := ctx
	if stopTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, stopTime)
		defer cancel()
	}

	cobra.CheckErr(engine.Run(runCtx, models))
}

// resolveTarget builds the push.Target from --output/--credentials/--client,
// preferring an explicit --output over the credentials file's server entry.
func resolveTarget(f *pflag.FlagSet) (push.Target, error) {
	output, _ := f.GetString("output")
	credsPath, _ := f.GetString("credentials")
	clientID, _ := f.GetString("client")

	if credsPath == "" {
		if output == "" {
			return push.Target{}, fmt.Errorf("either --output or --credentials is required")
		}
		return push.Target{BaseURL: output}, nil
	}

	data, err := os.ReadFile(credsPath)
	if err != nil {
		return push.Target{}, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var creds map[string]clientCredential
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return push.Target{}, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	cred, ok := creds[clientID]
	if !ok {
		return push.Target{}, fmt.Errorf("client %q not found in credentials file", clientID)
	}
	baseURL := output
	if baseURL == "" {
		baseURL = cred.Server
	}
	return push.Target{BaseURL: baseURL, Token: cred.Secret}, nil
}

// selectModels returns every model in the manifest, or only those whose
// qualified name falls under datasetFilter when one is given.
func selectModels(mf *manifest.Manifest, datasetFilter string) []*manifest.Model {
	var out []*manifest.Model
	for name, model := range mf.Models {
		if datasetFilter != "" && !strings.HasPrefix(name, datasetFilter) {
			continue
		}
		out = append(out, model)
	}
	return out
}

// buildSource constructs the push.Source for the requested mode. External
// mode opens one extsource.Reader per external-bound model sharing a single
// KeyMap; internal mode opens one pgstore.Backend per internal model
// sharing a single Store. cleanup releases whatever was opened. state is
// passed to an external source so a paginated model can resume from its
// stored cursor instead of rescanning.
func buildSource(ctx context.Context, mf *manifest.Manifest, mode string, f *pflag.FlagSet, databaseURL string, state *push.StateStore) (push.Source, func(), error) {
	switch mode {
	case "internal":
		store, err := pgstore.Open(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		backends := make(map[string]*pgstore.Backend)
		for name, model := range mf.Models {
			if model.External != nil {
				continue
			}
			b, err := pgstore.NewBackend(ctx, store, mf, model)
			if err != nil {
				store.Close()
				return nil, nil, err
			}
			backends[name] = b
		}
		return push.NewInternalSource(store, mf, backends), func() { store.Close() }, nil

	case "external":
		keymapPath, _ := f.GetString("keymap")
		km, err := keymap.Open(keymapPath)
		if err != nil {
			return nil, nil, err
		}
		projector := extsource.NewProjector(mf, km)

		readers := make(map[string]extsource.Reader)
		cleanupReaders := func() {
			for _, r := range readers {
				r.Close()
			}
			km.Close()
		}
		for name, model := range mf.Models {
			if model.External == nil || model.Resource == nil {
				continue
			}
			dsn := mf.Backends[model.Resource.Backend]
			switch model.Resource.Type {
			case "sql":
				reader, err := extsource.NewSQLReader(ctx, dsn, projector)
				if err != nil {
					cleanupReaders()
					return nil, nil, err
				}
				readers[name] = reader
			case "couch":
				reader, err := extsource.NewCouchReader(ctx, dsn, model.External.Table, projector)
				if err != nil {
					cleanupReaders()
					return nil, nil, err
				}
				readers[name] = reader
			}
		}
		return push.NewExternalSource(readers, state), cleanupReaders, nil

	default:
		return nil, nil, fmt.Errorf("unknown --mode %q, want \"internal\" or \"external\"", mode)
	}
}
