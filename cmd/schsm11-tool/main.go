// Command schsm11-tool is the administrative counterpart to
// schsm11-signer, mirroring the action-flag dispatch of
// sc-hsm-ultralite-tool.c. Only pin-status is backed by a real
// operation; the remaining actions require on-card provisioning/key-wrap
// primitives this package does not implement (SPEC_FULL.md Non-goals:
// "full cryptographic-token API completeness") and report
// function-not-supported instead of silently doing nothing.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cardcontact-go/schsm11"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var slotID uint64
	root := &cobra.Command{
		Use:   "schsm11-tool",
		Short: "Administrative actions against a SmartCard-HSM slot",
	}
	root.PersistentFlags().Uint64Var(&slotID, "slot", 0, "slot id to operate on")

	withContext := func(fn func(*schsm11.Context, schsm11.SlotID) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			transport, err := schsm11.NewPCSCTransport()
			if err != nil {
				return fmt.Errorf("establish PC/SC context: %w", err)
			}
			ctx, err := schsm11.Initialize(transport)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer func() { _ = schsm11.Finalize(ctx) }()
			return fn(ctx, schsm11.SlotID(slotID))
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "pin-status",
		Short: "Report the token's PIN-initialised and logged-in state",
		Args:  cobra.NoArgs,
		RunE: withContext(func(ctx *schsm11.Context, slot schsm11.SlotID) error {
			info, err := ctx.GetTokenInfo(slot)
			if err != nil {
				return err
			}
			logger.Info("pin-status",
				"label", info.Label,
				"pinInitialized", info.PINInitialized,
				"protectedAuthPath", info.ProtectedAuthPath)
			return nil
		}),
	})

	notSupported := func(action string) *cobra.Command {
		return &cobra.Command{
			Use:                action,
			Short:              action + " is not supported by this provider",
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return schsm11.NotSupported(action)
			},
		}
	}

	for _, action := range []string{
		"save-files", "restore-files", "init-token", "unlock-pin",
		"set-pin", "change-pin", "change-so-pin", "wrap-key", "unwrap-key",
	} {
		root.AddCommand(notSupported(action))
	}

	if err := root.Execute(); err != nil {
		logger.Error("tool failed", "error", err)
		os.Exit(1)
	}
}
