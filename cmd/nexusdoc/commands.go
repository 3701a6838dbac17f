package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/INLOpen/nexusdoc/authority"
	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/INLOpen/nexusdoc/hooks/listeners"
	"github.com/INLOpen/nexusdoc/mvcc"
	"github.com/INLOpen/nexusdoc/promotion"
	"github.com/INLOpen/nexusdoc/recovery"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Recover the data directory and report what was restored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				res := eng.RecoveryResult()
				out := map[string]any{
					"checkpoint_commit_id": uint64(res.Checkpoint.CommitID),
					"has_checkpoint":       res.HasCheckpoint,
					"last_commit_id":       uint64(res.LastCommitID),
					"digest":               fmt.Sprintf("%016x", res.Digest),
					"records_replayed":     res.RecordsReplayed,
					"tail_discarded":       res.TailDiscarded,
					"orphans_removed":      res.OrphansRemoved,
					"duration":             res.Duration.String(),
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's commit positions and authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				st, err := eng.Status()
				if err != nil {
					return err
				}
				out := map[string]any{
					"node_id":              st.NodeID,
					"primary":              st.Primary,
					"durable_commit_id":    uint64(st.DurableCommitID),
					"visible_commit_id":    uint64(st.VisibleCommitID),
					"checkpoint_commit_id": uint64(st.Checkpoint),
					"wal_segments":         st.WALSegments,
					"keys":                 st.Store.Keys,
					"versions":             st.Store.Versions,
				}
				if st.Halted != nil {
					out["halted"] = st.Halted.Error()
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "put KEY [VALUE]",
		Short: "Commit one key on a primary",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !del && len(args) != 2 {
				return fmt.Errorf("put needs a value unless --delete is set")
			}
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				var id core.CommitID
				var err error
				if del {
					id, err = eng.Delete(cmd.Context(), []byte(args[0]))
				} else {
					id, err = eng.Put(cmd.Context(), []byte(args[0]), []byte(args[1]))
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"commit_id": uint64(id)})
			})
		},
	}
	cmd.Flags().BoolVar(&del, "delete", false, "Commit a tombstone instead of a value")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	var at uint64
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read one key at the newest or a given commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				var snap *mvcc.Snapshot
				var err error
				if at > 0 {
					snap, err = eng.BeginSnapshotAt(core.CommitID(at))
				} else {
					snap, err = eng.BeginSnapshot()
				}
				if err != nil {
					return err
				}
				defer snap.End()
				v, ok := eng.Read([]byte(args[0]), snap)
				out := map[string]any{"key": args[0], "found": ok, "commit_id": uint64(snap.CommitID())}
				if ok {
					out["value"] = string(v)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().Uint64Var(&at, "at", 0, "Commit id to read at")
	return cmd
}

// inspectWALCmd reads the log without taking the data directory lock or
// changing anything on disk.
func (a *app) inspectWALCmd() *cobra.Command {
	var records bool
	cmd := &cobra.Command{
		Use:   "inspect-wal",
		Short: "Scan the WAL and list its segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ckptDir, walDir := recovery.Dirs(a.cfg.Node.DataDir)
			marker, _, err := checkpoint.ReadMarker(ckptDir)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			res, err := wal.Replay(walDir, wal.ReplayOptions{
				After:         marker.CommitID,
				BaseDigest:    marker.Digest,
				MaxRecordSize: a.cfg.WAL.MaxRecordBytes,
			}, func(rec wal.Record) error {
				if !records {
					return nil
				}
				_, err := fmt.Fprintf(w, "commit=%d op=%s payload=%d checksum=%08x\n",
					rec.CommitID, rec.Op, len(rec.Payload), rec.Checksum)
				return err
			})
			if err != nil {
				return err
			}
			segs := make([]map[string]any, 0, len(res.Segments))
			for _, s := range res.Segments {
				segs = append(segs, map[string]any{
					"index": s.Index, "first": uint64(s.First), "last": uint64(s.Last), "size": s.Size,
				})
			}
			out := map[string]any{
				"checkpoint_commit_id": uint64(marker.CommitID),
				"last_commit_id":       uint64(res.LastCommitID),
				"digest":               fmt.Sprintf("%016x", res.LastDigest),
				"records":              res.Records,
				"segments":             segs,
			}
			if res.Tail != nil {
				out["tail"] = map[string]any{
					"segment": res.Tail.Segment, "offset": res.Tail.Offset, "cause": fmt.Sprint(res.Tail.Cause),
				}
			}
			return printJSON(w, out)
		},
	}
	cmd.Flags().BoolVar(&records, "records", false, "Print every record after the checkpoint")
	return cmd
}

func (a *app) checkpointCmd() *cobra.Command {
	var gc bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write a checkpoint at the newest commit and truncate the WAL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				m, err := eng.Checkpoint(cmd.Context())
				if err != nil {
					return err
				}
				out := map[string]any{
					"commit_id": uint64(m.CommitID),
					"digest":    fmt.Sprintf("%016x", m.Digest),
					"parts":     len(m.Parts),
					"entries":   m.Entries(),
				}
				if gc {
					stats, err := eng.CollectGarbage()
					if err != nil {
						return err
					}
					out["versions_removed"] = stats.VersionsRemoved
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().BoolVar(&gc, "gc", false, "Collect garbage after the checkpoint")
	return cmd
}

func markerView(m authority.Marker) map[string]any {
	return map[string]any{
		"primary_node_id":      m.PrimaryNodeID,
		"transition_commit_id": uint64(m.TransitionCommitID),
		"timestamp":            m.Timestamp.Format(time.RFC3339Nano),
		"previous_primary_id":  m.PreviousPrimaryID,
	}
}

func (a *app) authorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Show or change this node's write authority",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the authority marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, found, err := authority.Read(a.cfg.Node.DataDir)
			if err != nil {
				return err
			}
			if !found {
				return printJSON(cmd.OutOrStdout(), map[string]any{"present": false})
			}
			out := markerView(m)
			out["present"] = true
			return printJSON(cmd.OutOrStdout(), out)
		},
	}, &cobra.Command{
		Use:   "init",
		Short: "Make this node the first primary of a new deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				m, err := eng.Bootstrap(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), markerView(m))
			})
		},
	}, &cobra.Command{
		Use:   "demote",
		Short: "Give up this node's write authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				if err := eng.Demote(cmd.Context()); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"demoted":   eng.NodeID(),
					"commit_id": uint64(eng.DurableCommitID()),
				})
			})
		},
	})
	return cmd
}

func (a *app) promoteCmd() *cobra.Command {
	var (
		evidencePath string
		force        bool
		confirm      bool
	)
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Validate and, with --yes, promote this node to primary",
		Long: "Validates this node against the primary and replication status in the evidence file. " +
			"Without --yes only the validation runs. --force bypasses the write-loss checks and is audited.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := loadEvidence(evidencePath, a.cfg.Node.ID)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), func(eng *engine.StorageEngine) error {
				return a.promote(cmd.Context(), cmd.OutOrStdout(), eng, ev, force, confirm)
			})
		},
	}
	cmd.Flags().StringVar(&evidencePath, "evidence", "", "JSON file with the control plane's primary and replication status")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the no-write-loss checks (audited)")
	cmd.Flags().BoolVar(&confirm, "yes", false, "Perform the transition after a successful validation")
	_ = cmd.MarkFlagRequired("evidence")
	return cmd
}

func (a *app) promote(ctx context.Context, w io.Writer, eng *engine.StorageEngine, ev evidence, force, confirm bool) error {
	primary := ev.primary
	opts := promotion.Options{
		Node: eng,
		Probe: promotion.PrimaryProbeFunc(func(context.Context) (promotion.PrimaryStatus, error) {
			return primary, nil
		}),
		TokenTTL:                config.ParseDuration(a.cfg.Promotion.TokenTTL, promotion.DefaultTokenTTL, a.logger),
		MaxStatusAge:            config.ParseDuration(a.cfg.Promotion.MaxStatusAge, promotion.DefaultMaxStatusAge, a.logger),
		MaxReplicationStaleness: config.ParseDuration(a.cfg.Promotion.MaxReplicationStaleness, promotion.DefaultMaxReplicationStaleness, a.logger),
		Logger:                  a.logger,
		Tracer:                  a.tracer.Tracer("github.com/INLOpen/nexusdoc/promotion"),
		HookManager:             eng.GetHookManager(),
	}
	if ev.replication != nil {
		opts.Replication = staticHealth(*ev.replication)
	}
	if path := a.auditLogPath(); path != "" {
		audit, err := listeners.NewAuditLogListener(path, a.logger)
		if err != nil {
			return err
		}
		defer audit.Close()
		audit.Register(eng.GetHookManager())
		opts.Audit = audit
	}

	ctl, err := promotion.NewController(opts)
	if err != nil {
		return err
	}
	ticket, err := ctl.RequestPromotion(ctx, eng.NodeID(), force)
	if err != nil {
		return reportDenial(w, ticket.Denial, err)
	}
	if !confirm {
		return printJSON(w, map[string]any{
			"request_id":          ticket.RequestID,
			"state":               ticket.State.String(),
			"candidate_commit_id": uint64(ticket.Evidence.CandidateCommitID),
			"note":                "validation passed; rerun with --yes to promote",
		})
	}

	res, err := ctl.Confirm(ctx, ticket.Token)
	if err != nil {
		if res.State != promotion.StateTransitioned {
			return reportDenial(w, res.Denial, err)
		}
		// The marker is in place even though the write reported an error.
		a.logger.Warn("Authority marker written despite an error", "error", err)
	}
	out := markerView(res.Marker)
	out["request_id"] = res.RequestID
	out["state"] = res.State.String()
	if res.Override != nil {
		out["override"] = res.Override.Details()
	}
	return printJSON(w, out)
}

func reportDenial(w io.Writer, d *promotion.DenialReason, err error) error {
	if d == nil {
		var dr *promotion.DenialReason
		if errors.As(err, &dr) {
			d = dr
		}
	}
	if d != nil {
		if perr := printJSON(w, map[string]any{"denied": d.Details()}); perr != nil {
			return perr
		}
	}
	if core.IsFatal(err) {
		return fmt.Errorf("promotion failed: %w", err)
	}
	return err
}
