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

package topology

import "encoding/binary"

const (
	NonceSize = 32

	// SpdmRequestLength is the size of the GET_MEASUREMENTS request that
	// prefixes every attestation report.
	SpdmRequestLength = 37

	spdmRequestCodeGetMeasurements = 0xE0
	spdmResponseCodeMeasurements   = 0x60

	// version, code, param1, param2, number of blocks
	spdmResponseHeaderLength = 5
	spdmRecordLengthSize     = 3
	spdmOpaqueLengthSize     = 2
)

var supportedSpdmVersions = map[uint8]bool{
	0x10: true,
	0x11: true,
	0x12: true,
	0x13: true,
}

type SpdmMeasurementRequestMessage struct {
	SpdmVersion         uint8
	RequestResponseCode uint8
	Param1              uint8
	Param2              uint8
	Nonce               [NonceSize]byte
	SlotIDParam         uint8
}

func ParseSpdmMeasurementRequestMessage(data []byte) (*SpdmMeasurementRequestMessage, error) {
	if len(data) < SpdmRequestLength {
		return nil, parseErrorf("report is %d bytes, too short to contain a SPDM GET_MEASUREMENTS request", len(data))
	}

	message := &SpdmMeasurementRequestMessage{
		SpdmVersion:         data[0],
		RequestResponseCode: data[1],
		Param1:              data[2],
		Param2:              data[3],
		SlotIDParam:         data[36],
	}
	copy(message.Nonce[:], data[4:36])

	if !supportedSpdmVersions[message.SpdmVersion] {
		return nil, parseErrorf("unsupported SPDM version 0x%02x in request", message.SpdmVersion)
	}
	if message.RequestResponseCode != spdmRequestCodeGetMeasurements {
		return nil, parseErrorf("unexpected SPDM request code 0x%02x", message.RequestResponseCode)
	}

	return message, nil
}

// SpdmMeasurementResponseMessage is the MEASUREMENTS response. Signature holds
// whatever follows the opaque data; it is never verified here.
type SpdmMeasurementResponseMessage struct {
	SpdmVersion         uint8
	RequestResponseCode uint8
	Param1              uint8
	Param2              uint8
	NumberOfBlocks      uint8
	MeasurementRecord   []byte
	Nonce               [NonceSize]byte
	OpaqueData          []byte
	Signature           []byte
}

func ParseSpdmMeasurementResponseMessage(data []byte) (*SpdmMeasurementResponseMessage, error) {
	pos := spdmResponseHeaderLength + spdmRecordLengthSize
	if len(data) < pos {
		return nil, parseErrorf("response is %d bytes, too short to contain the measurement record length", len(data))
	}

	message := &SpdmMeasurementResponseMessage{
		SpdmVersion:         data[0],
		RequestResponseCode: data[1],
		Param1:              data[2],
		Param2:              data[3],
		NumberOfBlocks:      data[4],
	}
	if !supportedSpdmVersions[message.SpdmVersion] {
		return nil, parseErrorf("unsupported SPDM version 0x%02x in response", message.SpdmVersion)
	}
	if message.RequestResponseCode != spdmResponseCodeMeasurements {
		return nil, parseErrorf("unexpected SPDM response code 0x%02x", message.RequestResponseCode)
	}

	recordLength := int(data[5]) | int(data[6])<<8 | int(data[7])<<16
	if len(data)-pos < recordLength+NonceSize+spdmOpaqueLengthSize {
		return nil, parseErrorf("measurement record of %d bytes overruns the response", recordLength)
	}
	message.MeasurementRecord = data[pos : pos+recordLength]
	pos += recordLength

	copy(message.Nonce[:], data[pos:pos+NonceSize])
	pos += NonceSize

	opaqueLength := int(binary.LittleEndian.Uint16(data[pos : pos+spdmOpaqueLengthSize]))
	pos += spdmOpaqueLengthSize
	if len(data)-pos < opaqueLength {
		return nil, parseErrorf("opaque data of %d bytes overruns the response", opaqueLength)
	}
	message.OpaqueData = data[pos : pos+opaqueLength]
	message.Signature = data[pos+opaqueLength:]

	return message, nil
}

// AttestationReport is a parsed GET_MEASUREMENTS request/response pair. Its
// slices alias the input buffer.
type AttestationReport struct {
	RequestMessage  SpdmMeasurementRequestMessage
	ResponseMessage SpdmMeasurementResponseMessage
}

func ParseAttestationReport(data []byte) (*AttestationReport, error) {
	req, err := ParseSpdmMeasurementRequestMessage(data)
	if err != nil {
		return nil, err
	}
	res, err := ParseSpdmMeasurementResponseMessage(data[SpdmRequestLength:])
	if err != nil {
		return nil, err
	}
	return &AttestationReport{
		RequestMessage:  *req,
		ResponseMessage: *res,
	}, nil
}
