// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodeagent

import (
	"crypto/rsa"
	"net/http"

	"github.com/nodeattest/agent/keyshare"
	"github.com/nodeattest/agent/quoteverify"
	"github.com/nodeattest/agent/tpmquote"
)

// IMAChecker is quoteverify's IMA collaborator type alias, kept available
// for symmetry even though the node itself only attaches the raw
// measurement list (never checks it) — verifying IMA is the verifier's job,
// per spec.md's non-goal that the core does not verify its own quotes.
type IMAChecker = quoteverify.IMAChecker

// Server is the Attestation HTTP Surface: one instance per process, wired
// up once at startup (C6) and handed to http.Server as its Handler, per
// routercom/service.go's Service-object-implements-http.Handler shape.
type Server struct {
	handler http.Handler

	quoteOwner *tpmquote.Owner
	keys       *keyshare.Collector

	rsaKey    *rsa.PrivateKey
	pubkeyPEM string

	nodeUUID   string
	measurePCR int // effective when 0 < measurePCR < 24, per spec.md §6

	secureStore     SecureStore
	nvram           NVRAM
	payloadStore    EncryptedPayloadStore
	launcher        PayloadLauncher
	ima             IMAChecker
	imaList         IMAMeasurementList
	payloadScript   string
	extractZip      bool
	tpmExtendDevice pcrExtender
}

// pcrExtender is the narrow slice of tpmbackend.Device this package needs
// for post-derive PCR extension, kept as an interface so tests can stub it
// without a real TPM transport.
type pcrExtender interface {
	ExtendMeasurePCR(pcr int, digest [20]byte) error
}

// Config bundles the collaborators a Server needs; every field is a
// SPEC_FULL.md external-collaborator contract.
type Config struct {
	QuoteOwner *tpmquote.Owner
	Keys       *keyshare.Collector

	RSAKey *rsa.PrivateKey

	NodeUUID      string
	MeasurePCR    int
	PayloadScript string
	ExtractZip    bool

	SecureStore  SecureStore
	NVRAM        NVRAM
	PayloadStore EncryptedPayloadStore
	Launcher     PayloadLauncher
	IMA          IMAChecker
	IMAList      IMAMeasurementList
	PCRExtender  pcrExtender
}

// New builds a Server and wires its mux. Returns an error only if the RSA
// key's public half can't be PEM-encoded.
func New(cfg Config) (*Server, error) {
	pubkeyPEM, err := EncodePublicKeyPEM(&cfg.RSAKey.PublicKey)
	if err != nil {
		return nil, err
	}

	s := &Server{
		quoteOwner:      cfg.QuoteOwner,
		keys:            cfg.Keys,
		rsaKey:          cfg.RSAKey,
		pubkeyPEM:       pubkeyPEM,
		nodeUUID:        cfg.NodeUUID,
		measurePCR:      cfg.MeasurePCR,
		secureStore:     cfg.SecureStore,
		nvram:           cfg.NVRAM,
		payloadStore:    cfg.PayloadStore,
		launcher:        cfg.Launcher,
		ima:             cfg.IMA,
		imaList:         cfg.IMAList,
		payloadScript:   cfg.PayloadScript,
		extractZip:      cfg.ExtractZip,
		tpmExtendDevice: cfg.PCRExtender,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /keys/pubkey", s.handlePubkey)
	mux.HandleFunc("GET /keys/verify", s.handleVerify)
	mux.HandleFunc("GET /quotes/identity", s.handleQuoteIdentity)
	mux.HandleFunc("GET /quotes/integrity", s.handleQuoteIntegrity)
	mux.HandleFunc("POST /keys/ukey", s.handleSubmitU)
	mux.HandleFunc("POST /keys/vkey", s.handleSubmitV)
	s.handler = mux

	return s, nil
}

// ServeHTTP implements http.Handler, routing unmatched paths to 400 rather
// than net/http's default 404: spec.md §4.5 specifies "unknown path -> 400".
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &notFoundRecorder{ResponseWriter: w}
	s.handler.ServeHTTP(rec, r)
	if rec.notFound {
		writeError(w, r, http.StatusBadRequest, "unknown path")
	}
}

// notFoundRecorder intercepts the ServeMux's default 404 so ServeHTTP can
// replace it with the envelope-wrapped 400 the spec requires.
type notFoundRecorder struct {
	http.ResponseWriter
	notFound    bool
	wroteHeader bool
}

func (n *notFoundRecorder) WriteHeader(code int) {
	if code == http.StatusNotFound {
		n.notFound = true
		return
	}
	n.wroteHeader = true
	n.ResponseWriter.WriteHeader(code)
}

func (n *notFoundRecorder) Write(b []byte) (int, error) {
	if n.notFound {
		return len(b), nil
	}
	if !n.wroteHeader {
		n.wroteHeader = true
	}
	return n.ResponseWriter.Write(b)
}
