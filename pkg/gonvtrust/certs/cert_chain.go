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

// Package certs handles the PEM certificate chains returned by device drivers.
package certs

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var ErrEmptyChain = errors.New("certificate chain contains no PEM certificates")

// CertChain is a device certificate chain ordered leaf first, root last.
type CertChain struct {
	certs [][]byte
}

// NewCertChainFromData decodes every CERTIFICATE block of chainData. Driver
// buffers are often zero padded, so trailing bytes after the last block are
// ignored.
func NewCertChainFromData(chainData []byte) (*CertChain, error) {
	var certs [][]byte
	remainingData := chainData
	for {
		block, rest := pem.Decode(remainingData)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			certs = append(certs, block.Bytes)
		}
		remainingData = rest
	}
	if len(certs) == 0 {
		return nil, ErrEmptyChain
	}

	return &CertChain{certs: certs}, nil
}

func (c *CertChain) Len() int {
	return len(c.certs)
}

// Verify checks that the leaf chains up to the last certificate of the chain.
// It proves internal consistency only; trust in the root is the verification
// service's call.
func (c *CertChain) Verify() error {
	parsedCerts := make([]*x509.Certificate, 0, len(c.certs))
	for i, certData := range c.certs {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		parsedCerts = append(parsedCerts, cert)
	}

	if len(parsedCerts) < 2 {
		return errors.New("certificate chain must contain at least two certificates")
	}

	roots := x509.NewCertPool()
	roots.AddCert(parsedCerts[len(parsedCerts)-1])
	intermediates := x509.NewCertPool()
	for _, cert := range parsedCerts[1 : len(parsedCerts)-1] {
		intermediates.AddCert(cert)
	}

	_, err := parsedCerts[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// PEM re-encodes the chain without the driver's padding.
func (c *CertChain) PEM() ([]byte, error) {
	var pemBuffer bytes.Buffer
	for i, certData := range c.certs {
		err := pem.Encode(&pemBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: certData})
		if err != nil {
			return nil, fmt.Errorf("failed to encode certificate %d: %w", i, err)
		}
	}
	return pemBuffer.Bytes(), nil
}
