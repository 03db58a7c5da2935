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

package gpu

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/mocks"
)

// NvmlHandler is the slice of the NVML system API used by NvmlGPUAdmin.
type NvmlHandler interface {
	Init() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(i int) (NVMLDevice, nvml.Return)
	SystemGetDriverVersion() (string, nvml.Return)
	SystemGetConfComputeState() (nvml.ConfComputeSystemState, nvml.Return)
	SystemGetConfComputeSettings() (nvml.SystemConfComputeSettings, nvml.Return)
	SystemGetConfComputeGpusReadyState() (uint32, nvml.Return)
	SystemSetConfComputeGpusReadyState(state uint32) nvml.Return
	Shutdown() nvml.Return
}

type DefaultNVMLHandler struct {
}

func (*DefaultNVMLHandler) Init() nvml.Return {
	return nvml.Init()
}

func (*DefaultNVMLHandler) SystemGetConfComputeState() (nvml.ConfComputeSystemState, nvml.Return) {
	computeState, ret := nvml.SystemGetConfComputeState()
	return computeState, ret
}

func (*DefaultNVMLHandler) SystemGetConfComputeSettings() (nvml.SystemConfComputeSettings, nvml.Return) {
	settings, ret := nvml.SystemGetConfComputeSettings()
	return settings, ret
}

func (*DefaultNVMLHandler) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (*DefaultNVMLHandler) DeviceGetHandleByIndex(i int) (NVMLDevice, nvml.Return) {
	d, ret := nvml.DeviceGetHandleByIndex(i)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return &DefaultNVMLDevice{
		device: d,
	}, nvml.SUCCESS
}

func (*DefaultNVMLHandler) SystemGetDriverVersion() (string, nvml.Return) {
	return nvml.SystemGetDriverVersion()
}

func (*DefaultNVMLHandler) SystemGetConfComputeGpusReadyState() (uint32, nvml.Return) {
	return nvml.SystemGetConfComputeGpusReadyState()
}

func (*DefaultNVMLHandler) SystemSetConfComputeGpusReadyState(state uint32) nvml.Return {
	return nvml.SystemSetConfComputeGpusReadyState(state)
}

func (*DefaultNVMLHandler) Shutdown() nvml.Return {
	return nvml.Shutdown()
}

// NVMLDevice is the slice of the NVML device API used by NvmlGPUAdmin.
type NVMLDevice interface {
	GetDevice() nvml.Device
	GetUUID() (string, nvml.Return)
	GetBoardID() (uint32, nvml.Return)
	GetArchitecture() (nvml.DeviceArchitecture, nvml.Return)
	GetVbiosVersion() (string, nvml.Return)
	GetConfComputeGpuAttestationReport(nonce []byte) (nvml.ConfComputeGpuAttestationReport, nvml.Return)
	GetConfComputeGpuCertificate() (nvml.ConfComputeGpuCertificate, nvml.Return)
	GetPersistenceMode() (nvml.EnableState, nvml.Return)
}

type DefaultNVMLDevice struct {
	device nvml.Device
}

func (n *DefaultNVMLDevice) GetDevice() nvml.Device {
	return n.device
}

func (n *DefaultNVMLDevice) GetUUID() (string, nvml.Return) {
	return n.device.GetUUID()
}

func (n *DefaultNVMLDevice) GetBoardID() (uint32, nvml.Return) {
	return nvml.DeviceGetBoardId(n.device)
}

func (n *DefaultNVMLDevice) GetArchitecture() (nvml.DeviceArchitecture, nvml.Return) {
	return nvml.DeviceGetArchitecture(n.device)
}

func (n *DefaultNVMLDevice) GetVbiosVersion() (string, nvml.Return) {
	return nvml.DeviceGetVbiosVersion(n.device)
}

func (n *DefaultNVMLDevice) GetConfComputeGpuAttestationReport(nonce []byte) (nvml.ConfComputeGpuAttestationReport, nvml.Return) {
	if len(nonce) != nvml.CC_GPU_CEC_NONCE_SIZE {
		return nvml.ConfComputeGpuAttestationReport{}, nvml.ERROR_INVALID_ARGUMENT
	}
	var gpuAtstReport nvml.ConfComputeGpuAttestationReport
	copy(gpuAtstReport.Nonce[:], nonce)
	ret := nvml.DeviceGetConfComputeGpuAttestationReport(n.device, &gpuAtstReport)
	return gpuAtstReport, ret
}

func (n *DefaultNVMLDevice) GetConfComputeGpuCertificate() (nvml.ConfComputeGpuCertificate, nvml.Return) {
	return nvml.DeviceGetConfComputeGpuCertificate(n.device)
}

func (n *DefaultNVMLDevice) GetPersistenceMode() (nvml.EnableState, nvml.Return) {
	return nvml.DeviceGetPersistenceMode(n.device)
}

// NVMLHandlerMock emulates a confidential computing system with one Hopper
// GPU. Tests embed it and override single calls.
type NVMLHandlerMock struct {
}

func (*NVMLHandlerMock) Init() nvml.Return {
	return nvml.SUCCESS
}

func (*NVMLHandlerMock) SystemGetConfComputeState() (nvml.ConfComputeSystemState, nvml.Return) {
	return nvml.ConfComputeSystemState{
		CcFeature: 1,
	}, nvml.SUCCESS
}

func (*NVMLHandlerMock) SystemGetConfComputeSettings() (nvml.SystemConfComputeSettings, nvml.Return) {
	return nvml.SystemConfComputeSettings{
		CcFeature:    nvml.CC_SYSTEM_FEATURE_ENABLED,
		MultiGpuMode: nvml.CC_SYSTEM_MULTIGPU_PROTECTED_PCIE,
	}, nvml.SUCCESS
}

func (*NVMLHandlerMock) DeviceGetCount() (int, nvml.Return) {
	return 1, nvml.SUCCESS
}

func (*NVMLHandlerMock) DeviceGetHandleByIndex(int) (NVMLDevice, nvml.Return) {
	return &NVMLDeviceMock{}, nvml.SUCCESS
}

func (*NVMLHandlerMock) SystemGetDriverVersion() (string, nvml.Return) {
	return "fake-driver-version", nvml.SUCCESS
}

func (*NVMLHandlerMock) SystemGetConfComputeGpusReadyState() (uint32, nvml.Return) {
	return 0, nvml.SUCCESS
}

func (*NVMLHandlerMock) SystemSetConfComputeGpusReadyState(_ uint32) nvml.Return {
	return nvml.SUCCESS
}

func (*NVMLHandlerMock) Shutdown() nvml.Return {
	return nvml.SUCCESS
}

type NVMLDeviceMock struct {
}

func (*NVMLDeviceMock) GetDevice() nvml.Device {
	return nil
}

func (*NVMLDeviceMock) GetUUID() (string, nvml.Return) {
	return "fake-uuid", nvml.SUCCESS
}

func (*NVMLDeviceMock) GetBoardID() (uint32, nvml.Return) {
	return 1234, nvml.SUCCESS
}

func (*NVMLDeviceMock) GetArchitecture() (nvml.DeviceArchitecture, nvml.Return) {
	return nvml.DEVICE_ARCH_HOPPER, nvml.SUCCESS
}

func (*NVMLDeviceMock) GetVbiosVersion() (string, nvml.Return) {
	return "fake-vbios-version", nvml.SUCCESS
}

// GetConfComputeGpuAttestationReport returns a report bound to nonce that
// lists the switches of a healthy baseboard.
func (*NVMLDeviceMock) GetConfComputeGpuAttestationReport(nonce []byte) (nvml.ConfComputeGpuAttestationReport, nvml.Return) {
	if len(nonce) != nvml.CC_GPU_CEC_NONCE_SIZE {
		return nvml.ConfComputeGpuAttestationReport{}, nvml.ERROR_INVALID_ARGUMENT
	}
	var requested [32]byte
	copy(requested[:], nonce)
	data := mocks.GPUReport(requested, mocks.BoardSwitches()...)

	var attestationReport nvml.ConfComputeGpuAttestationReport
	copy(attestationReport.Nonce[:], nonce)
	copy(attestationReport.AttestationReport[:], data)
	attestationReport.AttestationReportSize = uint32(len(data))
	return attestationReport, nvml.SUCCESS
}

func (*NVMLDeviceMock) GetConfComputeGpuCertificate() (nvml.ConfComputeGpuCertificate, nvml.Return) {
	chain := mocks.ValidCertChainData()

	var certificate nvml.ConfComputeGpuCertificate
	copy(certificate.AttestationCertChain[:], chain)
	certificate.AttestationCertChainSize = uint32(len(chain))
	return certificate, nvml.SUCCESS
}

func (*NVMLDeviceMock) GetPersistenceMode() (nvml.EnableState, nvml.Return) {
	return nvml.FEATURE_ENABLED, nvml.SUCCESS
}
