package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/node"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service exposes the state of a node over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	mux         *http.ServeMux
	server      *http.Server
	logger      *logrus.Entry
}

// NewService creates a Service for a node. Handlers are registered on a
// private ServeMux, returned by Handler.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/chainstate", s.makeHandler(s.GetChainState))
	s.mux.HandleFunc("/block/", s.makeHandler(s.GetBlock))
	s.mux.HandleFunc("/tx/", s.makeHandler(s.GetTransaction))
	s.mux.HandleFunc("/tx", s.makeHandler(s.SubmitTransaction))
	s.mux.HandleFunc("/substate/", s.makeHandler(s.GetSubstate))
	s.mux.HandleFunc("/mint/", s.makeHandler(s.Mint))
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the handler serving the API.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call which returns nil once
// Close has been called.
func (s *Service) Serve() error {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	s.Lock()
	s.server = &http.Server{Addr: s.bindAddress, Handler: s.mux}
	srv := s.server
	s.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	if err != nil {
		s.logger.Error(err)
	}
	return err
}

// Close stops the server started by Serve.
func (s *Service) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetStats())
}

// GetChainState ...
func (s *Service) GetChainState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetChainState())
}

// GetBlock returns the block committed at the height given in the path.
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := strings.TrimPrefix(r.URL.Path, "/block/")

	height, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		s.logger.WithError(err).Debugf("Parsing height parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	block, err := s.node.GetCommittedBlock(chain.NodeHeight(height))
	if err != nil {
		s.notFoundOrError(w, err, "Retrieving block")
		return
	}

	writeJSON(w, block)
}

// GetTransaction returns a transaction and its final decision, if any.
func (s *Service) GetTransaction(w http.ResponseWriter, r *http.Request) {
	h, err := parseHash(strings.TrimPrefix(r.URL.Path, "/tx/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.node.GetTransaction(chain.TransactionID(h))
	if err != nil {
		s.notFoundOrError(w, err, "Retrieving transaction")
		return
	}

	writeJSON(w, rec)
}

// SubmitTransaction decodes a JSON transaction from the request body and
// hands it to the node. It answers with the transaction id.
func (s *Service) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var tx chain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := tx.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.node.SubmitTransaction(&tx); err != nil {
		s.logger.WithError(err).Debug("Submitting transaction")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": tx.ID().String()})
}

// GetSubstate returns the latest version of a local substate.
func (s *Service) GetSubstate(w http.ResponseWriter, r *http.Request) {
	h, err := parseHash(strings.TrimPrefix(r.URL.Path, "/substate/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := s.node.GetSubstate(chain.SubstateID(h))
	if err != nil {
		s.notFoundOrError(w, err, "Retrieving substate")
		return
	}

	writeJSON(w, sub)
}

// Mint schedules the creation of a local substate.
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	h, err := parseHash(strings.TrimPrefix(r.URL.Path, "/mint/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.node.QueueMint(chain.SubstateID(h)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) notFoundOrError(w http.ResponseWriter, err error, msg string) {
	if common.IsStore(err, common.KeyNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.WithError(err).Error(msg)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func parseHash(s string) (chain.Hash, error) {
	b, err := common.DecodeFromString(s)
	if err != nil {
		return chain.Hash{}, err
	}
	return chain.HashFromBytes(b)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
