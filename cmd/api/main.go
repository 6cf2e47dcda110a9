package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jwaiyaki/kopaloan/pkg/config"
	"github.com/jwaiyaki/kopaloan/pkg/ledger"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage
	log     *logrus.Logger
}

func NewServer(s store.Storage, log *logrus.Logger) *Server {
	return &Server{
		ledger:  ledger.New(s, log),
		storage: s,
		log:     log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the ledger error taxonomy to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsValidation(err), ledger.IsConsistency(err):
		status = http.StatusBadRequest
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case ledger.IsConflict(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[name])
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var terms ledger.LoanTerms
	if err := json.NewDecoder(r.Body).Decode(&terms); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, installments, err := s.ledger.CreateLoan(terms)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"loan":         loan,
		"installments": installments,
	})
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.GetLoan(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	if err := s.ledger.DeleteLoan(loanID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loanStatusHandler(action func(uuid.UUID) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loanID, err := pathID(r, "id")
		if err != nil {
			http.Error(w, "Invalid loan ID", http.StatusBadRequest)
			return
		}
		loan, err := action(loanID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	}
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	installments, err := s.ledger.GetInstallments(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var ev ledger.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev.LoanID = loanID

	result, err := s.ledger.RecordPayment(ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) changeInstallmentStatusHandler(w http.ResponseWriter, r *http.Request) {
	instID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid installment ID", http.StatusBadRequest)
		return
	}

	var edit ledger.StatusEdit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	edit.InstallmentID = instID

	inst, err := s.ledger.ChangeInstallmentStatus(edit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) removePenaltyHandler(w http.ResponseWriter, r *http.Request) {
	instID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid installment ID", http.StatusBadRequest)
		return
	}

	inst, err := s.ledger.RemoveInstallmentPenalty(instID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) closeLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req ledger.CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.LoanID = loanID

	loan, err := s.ledger.Close(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) getStageHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	snap, history, err := s.ledger.GetStage(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snap,
		"history":  history,
	})
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	r.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	r.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	r.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	r.HandleFunc("/loans/{id}/approve", s.loanStatusHandler(func(id uuid.UUID) (interface{}, error) {
		return s.ledger.ApproveLoan(id)
	})).Methods("POST")
	r.HandleFunc("/loans/{id}/reject", s.loanStatusHandler(func(id uuid.UUID) (interface{}, error) {
		return s.ledger.RejectLoan(id)
	})).Methods("POST")
	r.HandleFunc("/loans/{id}/activate", s.loanStatusHandler(func(id uuid.UUID) (interface{}, error) {
		return s.ledger.ActivateLoan(id)
	})).Methods("POST")
	r.HandleFunc("/loans/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/close", s.closeLoanHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/stage", s.getStageHandler).Methods("GET")
	r.HandleFunc("/installments/{id}/status", s.changeInstallmentStatusHandler).Methods("PUT")
	r.HandleFunc("/installments/{id}/penalty", s.removePenaltyHandler).Methods("DELETE")
	return r
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.New()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, logger)

	// Sweeps run on a fixed schedule; an overlapping run is skipped rather
	// than queued.
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))))
	_, err = scheduler.AddFunc(cfg.SweepSchedule, func() {
		now := time.Now()
		if _, err := server.ledger.RunOverdueSweep(now); err != nil {
			logger.WithError(err).Error("overdue sweep failed")
		}
		if _, err := server.ledger.RunClassificationSweep(now); err != nil {
			logger.WithError(err).Error("classification sweep failed")
		}
	})
	if err != nil {
		logger.Fatalf("Failed to schedule sweeps: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Infof("Starting server on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Server failed: %v", err)
	}
}
