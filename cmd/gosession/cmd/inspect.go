package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/repository"
	"github.com/MrEthical07/goSession/session"
)

var inspectList bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [session-id...]",
	Short: "Print stored session snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !inspectList && len(args) == 0 {
			return errors.New("pass session ids or --list")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		m, err := goSession.New().WithConfig(cfg).Build()
		if err != nil {
			return err
		}
		defer m.Close()

		ids := args
		if inspectList {
			lister, ok := m.Repository().(repository.Lister)
			if !ok {
				return fmt.Errorf("backend %s cannot list sessions", cfg.Repository.Backend)
			}
			ids, err = lister.IDs(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(ids)
		}

		for _, id := range ids {
			if err := inspectOne(cmd, m.Repository(), id); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectList, "list", false, "Inspect every stored session")
}

type snapshotView struct {
	ID                  string         `json:"id"`
	CAS                 int64          `json:"cas"`
	CreationTime        time.Time      `json:"creation_time,omitzero"`
	ThisAccessedTime    time.Time      `json:"this_accessed_time,omitzero"`
	LastAccessedTime    time.Time      `json:"last_accessed_time,omitzero"`
	MaxInactiveInterval string         `json:"max_inactive_interval,omitempty"`
	New                 bool           `json:"new"`
	Valid               bool           `json:"valid"`
	Version             int64          `json:"version"`
	SSOID               string         `json:"sso_id,omitempty"`
	Principal           string         `json:"principal,omitempty"`
	Attributes          map[string]any `json:"attributes,omitempty"`
}

func inspectOne(cmd *cobra.Command, repo repository.Repository, id string) error {
	rec, err := repo.Get(cmd.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: not found\n", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	view, err := newSnapshotView(id, rec)
	if err != nil {
		return err
	}
	return writeView(cmd.OutOrStdout(), view)
}

func newSnapshotView(id string, rec *repository.Record) (snapshotView, error) {
	snap, err := session.Decode(rec.Data)
	if err != nil {
		return snapshotView{}, fmt.Errorf("decode %s: %w", id, err)
	}
	v := snapshotView{
		ID:               snap.ID,
		CAS:              rec.CAS,
		CreationTime:     snap.CreationTime,
		ThisAccessedTime: snap.ThisAccessedTime,
		LastAccessedTime: snap.LastAccessedTime,
		New:              snap.New,
		Valid:            snap.Valid,
		Version:          snap.Version,
		SSOID:            snap.SSOID,
		Principal:        snap.PrincipalName,
		Attributes:       snap.Attributes,
	}
	if snap.MaxInactiveInterval > 0 {
		v.MaxInactiveInterval = snap.MaxInactiveInterval.String()
	}
	return v, nil
}

func writeView(w io.Writer, v snapshotView) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
