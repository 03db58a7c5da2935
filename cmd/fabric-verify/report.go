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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
)

const (
	statusPassed  = "passed"
	statusFailed  = "failed"
	statusSkipped = "skipped"
)

type itemReport struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type sessionReport struct {
	SessionID string            `json:"session_id" yaml:"session_id"`
	Nonce     string            `json:"nonce" yaml:"nonce"`
	Passed    bool              `json:"passed" yaml:"passed"`
	Switches  []string          `json:"switches,omitempty" yaml:"switches,omitempty"`
	Items     []itemReport      `json:"items" yaml:"items"`
	Tokens    map[string]string `json:"device_tokens,omitempty" yaml:"device_tokens,omitempty"`
}

func newReport(r *gonvtrust.SessionResult) sessionReport {
	report := sessionReport{
		SessionID: r.SessionID,
		Nonce:     fmt.Sprintf("%x", r.Nonce),
		Passed:    r.Passed(),
		Tokens:    make(map[string]string),
	}

	if r.GPUTopology != nil {
		for _, p := range r.GPUTopology.SwitchPDIs.Sorted() {
			report.Switches = append(report.Switches, p.String())
		}
	}

	gpuTopology := item("gpu topology", r.GPUTopologyErr)
	switchTopology := item("nvswitch topology", r.SwitchTopologyErr)
	switch {
	case r.TopologySkipped:
		gpuTopology.Status, switchTopology.Status = statusSkipped, statusSkipped
	case r.GPUTopologyErr != nil, r.SwitchTopologySkipped:
		switchTopology.Status = statusSkipped
	}

	report.Items = []itemReport{
		gpuTopology,
		switchTopology,
		remoteItem("gpu attestation", r.GPUAttestation, r.GPUAttestationErr),
		remoteItem("nvswitch attestation", r.SwitchAttestation, r.SwitchAttestationErr),
	}

	for _, resp := range []*nras.VerificationResponse{r.GPUAttestation, r.SwitchAttestation} {
		if resp == nil {
			continue
		}
		for device, token := range resp.DeviceTokens {
			report.Tokens[device] = token
		}
	}
	return report
}

func item(name string, err error) itemReport {
	if err != nil {
		return itemReport{Name: name, Status: statusFailed, Error: err.Error()}
	}
	return itemReport{Name: name, Status: statusPassed}
}

func remoteItem(name string, resp *nras.VerificationResponse, err error) itemReport {
	if resp == nil && err == nil {
		return itemReport{Name: name, Status: statusSkipped}
	}
	return item(name, err)
}

func writeReport(w io.Writer, format string, report sessionReport) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		return encoder.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SESSION\t%s\n", report.SessionID)
	fmt.Fprintf(tw, "NONCE\t%s\n", report.Nonce)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tERROR")
	for _, it := range report.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", it.Name, it.Status, it.Error)
	}
	fmt.Fprintln(tw)
	result := statusFailed
	if report.Passed {
		result = statusPassed
	}
	fmt.Fprintf(tw, "RESULT\t%s\n", result)
	return tw.Flush()
}
