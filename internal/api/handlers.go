package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/zeropr/lanchat/internal/archive"
	"github.com/zeropr/lanchat/internal/contacts"
	"github.com/zeropr/lanchat/internal/crypto"
	"github.com/zeropr/lanchat/internal/gateway"
	"github.com/zeropr/lanchat/internal/keys"
	"github.com/zeropr/lanchat/internal/netif"
	"github.com/zeropr/lanchat/internal/transport"
)

var errNoDiscovery = errors.New("discovery is disabled")

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"running":      true,
		"version":      version,
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"server":       s.gw.ServerState().String(),
		"port":         s.gw.Port(),
		"peersCount":   s.registry.Count(),
		"inboxCount":   len(s.gw.Inbox()),
		"eventStreams": s.events.count(),
		"primaryAddr":  netif.PrimaryAddress(),
	}
	if addr := s.gw.ServerAddr(); addr != nil {
		response["listenAddr"] = addr.String()
	}
	if id, ok := s.gw.Identity(); ok {
		response["user"] = id.Name
		response["fingerprint"] = id.Public.Fingerprint()
	}
	if s.opts.Discovery != nil {
		response["broadcasting"] = s.opts.Discovery.IsBroadcasting()
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetInterfaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"interfaces": netif.List(),
		"primary":    netif.PrimaryAddress(),
	})
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"peers": s.registry.GetAll(),
	})
}

func (s *Server) handleCreateKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Bits       int    `json:"bits"`
		Passphrase string `json:"passphrase"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Bits == 0 {
		req.Bits = keys.DefaultBits
	}

	pub, err := s.gw.CreateUser(req.Name, req.Bits, req.Passphrase)
	if err != nil {
		writeError(w, keyErrorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"name":        req.Name,
		"bits":        pub.Bits(),
		"fingerprint": pub.Fingerprint(),
		"publicKey":   string(pub.PEM()),
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Passphrase string `json:"passphrase"`
		Remember   bool   `json:"remember"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.gw.SignIn(req.Name, req.Passphrase, req.Remember)
	if err != nil {
		writeError(w, keyErrorStatus(err), err)
		return
	}

	fingerprint := id.Public.Fingerprint()
	if s.opts.Discovery != nil {
		s.opts.Discovery.SetIdentity(id.Name, fingerprint)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":        id.Name,
		"fingerprint": fingerprint,
		"signedIn":    id.SignedIn,
	})
}

// handleSignOut ends the session. With ?forget=true the remembered
// passphrase of the user is dropped as well.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	forget := false
	if v := r.URL.Query().Get("forget"); v != "" {
		var err error
		if forget, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid forget value %q", v))
			return
		}
	}

	if id, ok := s.gw.Identity(); ok && forget {
		if err := s.gw.Forget(id.Name); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.gw.SignOut()
	if s.opts.Discovery != nil {
		s.opts.Discovery.SetIdentity("", "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (s *Server) handleGetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.gw.Users()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if users == nil {
		users = []string{}
	}

	response := map[string]any{"users": users}
	if id, ok := s.gw.Identity(); ok {
		response["active"] = id.Name
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	pemText, err := s.gw.PublicKeyPEM()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/x-pem-file") {
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = io.WriteString(w, pemText)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": pemText})
}

func (s *Server) handleGetContacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.gw.Contacts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []contacts.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": list})
}

func (s *Server) handleImportContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		PublicKey string `json:"publicKey"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.gw.ImportContact(req.Name, req.PublicKey)
	if err != nil {
		writeError(w, keyErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Text    string `json:"text"`
		Contact string `json:"contact"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}

	st := s.gw.Send(r.Context(), req.Address, req.Text, req.Contact)
	writeOutcome(w, st.Event == gateway.EventSendOK, st)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.gw.Inbox()})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	s.gw.ClearInbox()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleKeyExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}

	st := s.gw.SharePublicKey(r.Context(), req.Address)
	writeOutcome(w, st.Event == gateway.EventKeySent, st)
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	files, err := s.gw.Archived(archive.Direction(q.Get("direction")), q.Get("peer"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrInvalidDirection) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gw.ReadArchived(mux.Vars(r)["file"])
	if err != nil {
		writeError(w, archiveErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ciphertext string `json:"ciphertext"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	plaintext, err := s.gw.Decrypt(req.Ciphertext)
	switch {
	case errors.Is(err, gateway.ErrNoSession):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, crypto.ErrDecryption), errors.Is(err, crypto.ErrDecode):
		writeError(w, http.StatusUnprocessableEntity, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"plaintext": plaintext})
	}
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port int `json:"port"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Port == 0 {
		req.Port = s.gw.Port()
	}

	if err := s.gw.StartServer(req.Port); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transport.ErrAddressInUse) || errors.Is(err, transport.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	response := map[string]any{"status": "listening", "port": req.Port}
	if addr := s.gw.ServerAddr(); addr != nil {
		response["listenAddr"] = addr.String()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	s.gw.StopServer()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStartBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.opts.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, errNoDiscovery)
		return
	}
	if err := s.opts.Discovery.StartBroadcast(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to start broadcast: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.opts.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, errNoDiscovery)
		return
	}
	s.opts.Discovery.StopBroadcast()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func writeOutcome(w http.ResponseWriter, sent bool, st gateway.Status) {
	response := map[string]any{"sent": sent, "event": st.Event}
	if st.Err != nil {
		response["error"] = st.Err.Error()
	}
	if sent {
		writeJSON(w, http.StatusOK, response)
		return
	}

	code := http.StatusBadGateway
	switch st.Event {
	case gateway.EventSendUnknownContact:
		code = http.StatusNotFound
	case gateway.EventSendTooLarge:
		code = http.StatusRequestEntityTooLarge
	case gateway.EventSendNoSession:
		code = http.StatusConflict
	}
	writeJSON(w, code, response)
}

func archiveErrorStatus(err error) int {
	switch {
	case errors.Is(err, archive.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrSealed):
		return http.StatusLocked
	case errors.Is(err, archive.ErrAuthFailed), errors.Is(err, archive.ErrInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func keyErrorStatus(err error) int {
	switch {
	case errors.Is(err, keys.ErrInvalidName),
		errors.Is(err, keys.ErrInvalidKeySize),
		errors.Is(err, keys.ErrInvalidKeyFormat),
		errors.Is(err, keys.ErrCorruptKey):
		return http.StatusBadRequest
	case errors.Is(err, keys.ErrInvalidPassphrase):
		return http.StatusUnauthorized
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, os.ErrExist):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
