// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/gpu"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/metrics"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/topology"
)

// app holds the process dependencies of the command.
type app struct {
	lookupEnv func(string) (string, bool)
	newRemote func(logger *zap.Logger) gonvtrust.RemoteVerifier
	newGPU    func(logger *zap.Logger) (*gpu.NvmlGPUAdmin, error)
}

func defaultApp() app {
	return app{
		lookupEnv: os.LookupEnv,
		newRemote: func(logger *zap.Logger) gonvtrust.RemoteVerifier {
			return nras.NewClient(http.DefaultClient, nras.WithLogger(logger))
		},
		newGPU: func(logger *zap.Logger) (*gpu.NvmlGPUAdmin, error) {
			return gpu.NewNvmlGPUAdmin(nil, logger)
		},
	}
}

type options struct {
	gpuEvidence      string
	switchEvidence   string
	nonce            string
	collect          bool
	setReady         bool
	expectedGPUs     int
	expectedSwitches int
	output           string
	metricsFile      string
	debug            bool
}

var errSessionFailed = errors.New("fabric verification failed")

func newRootCmd(a app) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "fabric-verify",
		Short: "Verify the attestation evidence of a GPU/NVSwitch fabric",
		Long: `fabric-verify checks that every GPU and NVSwitch of a baseboard reports the
same interconnect and submits the evidence of both device classes to the
NVIDIA Remote Attestation Service.

Evidence is read from JSON evidence lists, or collected from local GPUs
through NVML with --collect. Collected sessions carry no switch evidence, so
only the GPU side of the topology is checked. The service endpoints are
configured through
` + nras.EnvGPUURL + `, ` + nras.EnvSwitchURL + `, ` + nras.EnvTimeout + `,
` + nras.EnvClaimsVersion + `, ` + nras.EnvServiceKey + ` and ` + nras.EnvAllowHoldCert + `.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.gpuEvidence, "gpu-evidence", "", "JSON evidence list of the GPUs")
	flags.StringVar(&opts.switchEvidence, "switch-evidence", "", "JSON evidence list of the NVSwitches")
	flags.StringVar(&opts.nonce, "nonce", "", "hex nonce the evidence was requested with")
	flags.BoolVar(&opts.collect, "collect", false, "collect GPU evidence through NVML under a fresh nonce")
	flags.BoolVar(&opts.setReady, "set-ready", false, "enable the GPU ready state after a passing session (requires --collect)")
	flags.IntVar(&opts.expectedGPUs, "expected-gpus", topology.DefaultExpectedGPUs, "number of GPUs in the fabric, 0 accepts any")
	flags.IntVar(&opts.expectedSwitches, "expected-switches", topology.DefaultExpectedSwitches, "number of NVSwitches every GPU must report, 0 skips the topology checks")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table, json, yaml")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write session metrics in the Prometheus text format to this file")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.MarkFlagsMutuallyExclusive("collect", "gpu-evidence")
	cmd.MarkFlagsMutuallyExclusive("collect", "switch-evidence")
	cmd.MarkFlagsMutuallyExclusive("collect", "nonce")

	return cmd
}

func (o options) validate() error {
	switch o.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q", o.output)
	}
	if o.setReady && !o.collect {
		return errors.New("--set-ready requires --collect")
	}
	if o.collect {
		return nil
	}
	if o.gpuEvidence == "" {
		return errors.New("--gpu-evidence or --collect is required")
	}
	if o.nonce == "" {
		return errors.New("--nonce is required with --gpu-evidence")
	}
	return nras.ValidateNonce(o.nonce)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a app) run(ctx context.Context, out io.Writer, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := newLogger(opts.debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gpuConfig, err := nras.ConfigFromEnv(evidence.ClassGPU, a.lookupEnv)
	if err != nil {
		return err
	}
	switchConfig, err := nras.ConfigFromEnv(evidence.ClassNvSwitch, a.lookupEnv)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	verifier, err := gonvtrust.NewFabricVerifier(a.newRemote(logger),
		gonvtrust.WithGPUConfig(gpuConfig),
		gonvtrust.WithSwitchConfig(switchConfig),
		gonvtrust.WithExpectedGPUs(opts.expectedGPUs),
		gonvtrust.WithExpectedSwitches(opts.expectedSwitches),
		gonvtrust.WithLogger(logger),
		gonvtrust.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	var result *gonvtrust.SessionResult
	if opts.collect {
		result, err = a.collectAndVerify(ctx, logger, verifier, opts.setReady)
	} else {
		result, err = verifyFiles(ctx, verifier, opts)
	}
	if result == nil {
		return err
	}

	if opts.metricsFile != "" {
		if werr := prometheus.WriteToTextfile(opts.metricsFile, reg); werr != nil {
			logger.Error("failed to write metrics", zap.String("path", opts.metricsFile), zap.Error(werr))
		}
	}
	if werr := writeReport(out, opts.output, newReport(result)); werr != nil {
		return werr
	}
	if !result.Passed() {
		return errSessionFailed
	}
	return nil
}

func (a app) collectAndVerify(ctx context.Context, logger *zap.Logger, verifier *gonvtrust.FabricVerifier, setReady bool) (*gonvtrust.SessionResult, error) {
	admin, err := a.newGPU(logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := admin.Shutdown(); err != nil {
			logger.Warn("failed to shut down NVML", zap.Error(err))
		}
	}()

	result, err := verifier.Attest(ctx, admin, nil)
	if result == nil || !result.Passed() || !setReady {
		return result, err
	}
	if err := admin.EnableGPUReadyState(); err != nil {
		return result, err
	}
	return result, nil
}

func verifyFiles(ctx context.Context, verifier *gonvtrust.FabricVerifier, opts options) (*gonvtrust.SessionResult, error) {
	raw, err := hex.DecodeString(opts.nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	var nonce [topology.NonceSize]byte
	copy(nonce[:], raw)

	var fabric gonvtrust.FabricEvidence
	fabric.GPUs, err = readEvidence(opts.gpuEvidence, evidence.DecodeGPUList)
	if err != nil {
		return nil, err
	}
	if opts.switchEvidence != "" {
		fabric.Switches, err = readEvidence(opts.switchEvidence, evidence.DecodeNvSwitchList)
		if err != nil {
			return nil, err
		}
	}

	return verifier.Verify(ctx, nonce, fabric)
}

func readEvidence[T any](path string, decode func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence file: %w", err)
	}
	defer f.Close()

	list, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}
