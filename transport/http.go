// Package transport implements the out-of-core upload/status surface (spec
// section 4.6 ambient component): an HTTP endpoint that accepts a new
// module image, verifies its SHA-256 checksum and HMAC-SHA256 signature,
// loads it at once when no module is active or stages it otherwise, and
// reports pending/liveness state. No repo in the retrieved
// corpus uses an HTTP framework or router (the teacher is a
// compiler/loader toolchain with no network surface at all), so this
// package is built directly on net/http rather than adopting a third-party
// router the corpus never exercises; the signature verification reuses the
// teacher's crypto/sha256 (macho.go) extended with crypto/hmac for
// authenticated rather than merely integrity-checked uploads.
package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/reload"
)

// Server exposes a Controller over HTTP.
type Server struct {
	ctl     *reload.Controller
	hmacKey []byte
	mux     *http.ServeMux
}

// NewServer builds a Server that verifies uploads against hmacKey.
func NewServer(ctl *reload.Controller, hmacKey []byte) *Server {
	s := &Server{ctl: ctl, hmacKey: hmacKey, mux: http.NewServeMux()}
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/pending", s.handlePending)
	s.mux.HandleFunc("/status", s.handleStatus)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// uploadSHA256Header carries the hex-encoded SHA-256 checksum of the request
// body: an integrity check, catching transport corruption independent of
// who sent the upload.
const uploadSHA256Header = "X-Hotreload-SHA256"

// uploadHMACHeader carries the hex-encoded HMAC-SHA256 of the request body,
// computed by the uploader with the shared key: an authenticity check,
// catching an upload from anyone who doesn't hold the key. Required in
// addition to, not instead of, uploadSHA256Header (spec section 6).
const uploadHMACHeader = "X-Hotreload-HMAC"

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if verr := checkIntegrity(body, r.Header.Get(uploadSHA256Header)); verr != nil {
		http.Error(w, verr.Message, http.StatusForbidden)
		return
	}
	if verr := checkAuth(s.hmacKey, body, r.Header.Get(uploadHMACHeader)); verr != nil {
		http.Error(w, verr.Message, http.StatusForbidden)
		return
	}

	if s.ctl.Active() == nil {
		// No module has ever been loaded: there is no safe point to defer
		// to, so the first upload takes effect immediately.
		if err := s.ctl.LoadFromBuffer(body); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	s.ctl.StageBuffer(body)
	w.WriteHeader(http.StatusAccepted)
}

// checkIntegrity verifies body's plain SHA-256 checksum against the header
// value, returning an *errs.Error of KindIntegrity on any mismatch (missing,
// malformed, or wrong digest) — spec section 6/7's integrity check,
// independent of who sent the upload.
func checkIntegrity(body []byte, sumHex string) *errs.Error {
	if sumHex == "" {
		return errs.New(errs.KindIntegrity, "transport.handleUpload", "missing checksum")
	}
	want, err := hex.DecodeString(sumHex)
	if err != nil {
		return errs.New(errs.KindIntegrity, "transport.handleUpload", "malformed checksum")
	}
	sum := sha256.Sum256(body)
	if !hmac.Equal(sum[:], want) {
		return errs.New(errs.KindIntegrity, "transport.handleUpload", "checksum mismatch")
	}
	return nil
}

// checkAuth verifies body's HMAC-SHA256 against the header value using key,
// returning an *errs.Error of KindAuth on any mismatch — spec section 6/7's
// authenticity check, distinct from checkIntegrity.
func checkAuth(key, body []byte, sigHex string) *errs.Error {
	if sigHex == "" {
		return errs.New(errs.KindAuth, "transport.handleUpload", "missing signature")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return errs.New(errs.KindAuth, "transport.handleUpload", "malformed signature")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sig) {
		return errs.New(errs.KindAuth, "transport.handleUpload", "signature mismatch")
	}
	return nil
}

type pendingResponse struct {
	Pending bool `json:"pending"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pendingResponse{Pending: s.ctl.UpdateAvailable()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.ctl.Active() == nil {
		http.Error(w, "no active module", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}
