package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pkg/profile"
	"gopkg.in/urfave/cli.v1"

	"github.com/openfluke/recur/config"
	"github.com/openfluke/recur/detector"
)

var modelFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config",
		Usage: "JSON run config `file` applied before the other flags",
	},
	cli.IntFlag{
		Name:  "input",
		Usage: "Input feature `size`",
	},
	cli.IntFlag{
		Name:  "hidden",
		Usage: "Hidden state `size`",
	},
	cli.IntFlag{
		Name:  "layers",
		Usage: "Number of stacked `layers`",
	},
	cli.BoolTFlag{
		Name:  "bidirectional",
		Usage: "Run a backward direction next to the forward one (--bidirectional=false to disable)",
	},
	cli.BoolFlag{
		Name:  "batch-first",
		Usage: "Lay input and output out as [batch, seq, feature]",
	},
	cli.IntFlag{
		Name:  "proj",
		Usage: "LSTM projection `size` (0 disables)",
	},
	cli.Float64Flag{
		Name:  "dropout",
		Usage: "Dropout `probability` between layers, applied with --train",
	},
	cli.BoolFlag{
		Name:  "train",
		Usage: "Run in training mode so dropout is applied",
	},
	cli.IntFlag{
		Name:  "seq",
		Usage: "Sequence `length`",
	},
	cli.IntFlag{
		Name:  "batch",
		Usage: "Batch `size`",
	},
	cli.Int64Flag{
		Name:  "seed",
		Usage: "Random `seed` for weights and inputs",
	},
	cli.StringFlag{
		Name:  "backend",
		Usage: "Executor `name`: cpu or gpu",
	},
	cli.StringFlag{
		Name:  "weights",
		Usage: "safetensors `file` to load before running",
	},
	cli.BoolFlag{
		Name:  "values",
		Usage: "Print full tensor values, not just shapes",
	},
}

// stopper is set while --profile is active
var stopper interface{ Stop() }

func main() {
	app := cli.NewApp()
	app.Name = "recur"
	app.Usage = "multi-layer bidirectional LSTM and GRU layers on random tensors"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "profile",
			Usage: "Write a `cpu` or `mem` profile to the working directory",
		},
	}
	app.Before = func(c *cli.Context) error {
		switch strings.ToLower(c.GlobalString("profile")) {
		case "":
		case "cpu":
			stopper = profile.Start(profile.CPUProfile, profile.ProfilePath("."))
		case "mem":
			stopper = profile.Start(profile.MemProfile, profile.ProfilePath("."))
		default:
			return fmt.Errorf("unknown profile %q, want cpu or mem", c.GlobalString("profile"))
		}
		return nil
	}
	app.After = func(c *cli.Context) error {
		if stopper != nil {
			stopper.Stop()
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "lstm",
			Usage: "Run a multi-layer bidirectional LSTM and check how directions map onto h_n",
			Flags: modelFlags,
			Action: func(c *cli.Context) error {
				return demo(c, "lstm")
			},
		},
		{
			Name:  "gru",
			Usage: "Run a multi-layer bidirectional GRU and check how directions map onto h_n",
			Flags: modelFlags,
			Action: func(c *cli.Context) error {
				return demo(c, "gru")
			},
		},
		{
			Name:  "run",
			Usage: "Run the model described by a JSON config",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config",
					Usage: "JSON run config `file`",
				},
				cli.StringFlag{
					Name:  "save",
					Usage: "Optional safetensors `file` to write the weights to",
				},
				cli.BoolFlag{
					Name:  "values",
					Usage: "Print full tensor values, not just shapes",
				},
			},
			Action: func(c *cli.Context) error {
				path := c.String("config")
				if path == "" {
					return fmt.Errorf("missing required config file: --config")
				}
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				return runConfig(cfg, c.String("save"), c.Bool("values"))
			},
		},
		{
			Name:  "export",
			Usage: "Write freshly initialised weights to a safetensors file",
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "mode",
					Value: "lstm",
					Usage: "Layer `type`: lstm or gru",
				},
				cli.StringFlag{
					Name:  "out",
					Usage: "Output safetensors `file`",
				},
				cli.StringFlag{
					Name:  "dtype",
					Value: "F32",
					Usage: "Stored `dtype`: F32 or F64",
				},
			}, modelFlags...),
			Action: func(c *cli.Context) error {
				out := c.String("out")
				if out == "" {
					return fmt.Errorf("missing required output file: --out")
				}
				mode := c.String("mode")
				if !c.IsSet("mode") && c.String("config") != "" {
					mode = ""
				}
				cfg, err := resolveConfig(c, mode)
				if err != nil {
					return err
				}
				return export(cfg, out, strings.ToUpper(c.String("dtype")))
			},
		},
		{
			Name:  "devices",
			Usage: "Print the WebGPU adapter report as JSON",
			Action: func(c *cli.Context) error {
				js, err := detector.DetectJSON()
				if err != nil {
					return err
				}
				fmt.Println(js)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// resolveConfig starts from the defaults for mode, overlays --config, then explicit flags.
// An empty mode keeps the one from --config.
func resolveConfig(c *cli.Context, mode string) (*config.Config, error) {
	cfg := config.Default(mode)
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		if mode != "" {
			cfg.Mode = mode
		}
	} else if err := cfg.FromEnv(); err != nil {
		return nil, err
	}

	if c.IsSet("input") {
		cfg.InputSize = c.Int("input")
	}
	if c.IsSet("hidden") {
		cfg.HiddenSize = c.Int("hidden")
	}
	if c.IsSet("layers") {
		cfg.NumLayers = c.Int("layers")
	}
	if c.IsSet("bidirectional") {
		cfg.Bidirectional = c.BoolT("bidirectional")
	}
	if c.IsSet("batch-first") {
		cfg.BatchFirst = c.Bool("batch-first")
	}
	if c.IsSet("proj") {
		cfg.ProjSize = c.Int("proj")
	}
	if c.IsSet("dropout") {
		cfg.Dropout = c.Float64("dropout")
	}
	if c.IsSet("train") {
		cfg.Training = c.Bool("train")
	}
	if c.IsSet("seq") {
		cfg.SeqLen = c.Int("seq")
		cfg.Lengths = nil
	}
	if c.IsSet("batch") {
		cfg.BatchSize = c.Int("batch")
		cfg.Lengths = nil
	}
	if c.IsSet("seed") {
		cfg.Seed = c.Int64("seed")
	}
	if c.IsSet("backend") {
		cfg.Backend = strings.ToLower(c.String("backend"))
	}
	if c.IsSet("weights") {
		cfg.Weights = c.String("weights")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func demo(c *cli.Context, mode string) error {
	cfg, err := resolveConfig(c, mode)
	if err != nil {
		return err
	}
	return runConfig(cfg, "", c.Bool("values"))
}
