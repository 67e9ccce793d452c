package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	alwaysprefetch "github.com/always-cache/always-prefetch"
	"github.com/always-cache/always-prefetch/internal/profile"
)

var predictCmd = &cobra.Command{
	Use:   "predict <path>...",
	Short: "Predict the next routes for a navigation history, oldest first",
	Args:  cobra.MinimumNArgs(1),
	RunE:  predict,
}

type predictOutput struct {
	Routes    []string `json:"routes"`
	Source    string   `json:"source"`
	State     string   `json:"state"`
	LatencyMs float64  `json:"latency_ms"`
}

func predict(cmd *cobra.Command, args []string) error {
	p := profile.FromViper(viper.GetViper())
	if err := p.ValidateModel(); err != nil {
		return err
	}
	var fileConfig alwaysprefetch.FileConfig
	if p.ConfigFile != "" {
		var err error
		if fileConfig, err = alwaysprefetch.LoadConfigFile(p.ConfigFile); err != nil {
			return errors.Wrap(err, "failed to read config")
		}
	}

	svc := newService(p, fileConfig.Policy, nil)
	// a one-off prediction should use the model if there is one
	state := svc.Load(cmd.Context())
	res := svc.Predict(cmd.Context(), args)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(predictOutput{
		Routes:    res.Routes,
		Source:    string(res.Source),
		State:     state.String(),
		LatencyMs: float64(res.Latency.Microseconds()) / 1000,
	})
}
