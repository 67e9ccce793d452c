package main

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/always-cache/always-prefetch/internal/profile"
	"github.com/always-cache/always-prefetch/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded visits as CSV for training",
	RunE:  export,
}

func init() {
	exportCmd.Flags().Duration("since", 0, "Only export visits newer than this (e.g. 720h); all if zero")
	exportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")
}

func export(cmd *cobra.Command, args []string) error {
	p := profile.FromViper(viper.GetViper())
	if p.DSN == "" {
		return errors.New("no clickstream store configured (--dsn)")
	}
	since, _ := cmd.Flags().GetDuration("since")
	out, _ := cmd.Flags().GetString("out")

	s, err := store.Open(p.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	var w io.Writer = cmd.OutOrStdout()
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	var from time.Time
	if since > 0 {
		from = time.Now().Add(-since)
	}
	n, err := store.ExportCSV(cmd.Context(), s, w, from)
	if err != nil {
		return err
	}
	log.Info().Int("visits", n).Msg("Exported clickstream")
	return nil
}
