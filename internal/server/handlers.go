package server

import (
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pothiq1/distributed-cache-sidecar/internal/cluster"
	"github.com/pothiq1/distributed-cache-sidecar/internal/txn"
)

// handleGet serves a point read. A local miss falls through to the
// resolver, which polls replica peers and then the fallback store; any
// remote success has already warmed the local cache by the time it
// returns.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if !decode(w, r, &req) {
		return
	}

	if value, ok := s.cache.Get(req.Key); ok {
		s.metrics.CacheHits.WithLabelValues("get").Inc()
		writeJSON(w, http.StatusOK, cluster.ValueResponse{Value: value, Found: true})
		return
	}
	s.metrics.CacheMisses.WithLabelValues("get").Inc()

	if value, ok := s.resolver.Resolve(r.Context(), req.Key); ok {
		writeJSON(w, http.StatusOK, cluster.ValueResponse{Value: value, Found: true})
		return
	}

	writeJSON(w, http.StatusOK, cluster.ValueResponse{Found: false})
}

// handlePut stores one entry, records it against any transaction named in
// the request, and fans it to the replica set before responding.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req cluster.PutRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.applyPut(req, r.Header.Get(TransactionHeader)); err != nil {
		s.logger.Error("put failed", zap.String("key", req.Key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, cluster.SuccessResponse{Success: true})
}

// applyPut is the shared mutation path for put and batch put: transaction
// hook, local insert, value indexing, replica fan-out.
func (s *Server) applyPut(req cluster.PutRequest, transactionID string) error {
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds <= 0 {
		ttl = 0
	}

	if transactionID != "" {
		s.txns.AddOperation(transactionID, txn.Operation{
			Kind:  txn.OpPut,
			Key:   req.Key,
			Value: req.Value,
			TTL:   ttl,
		})
	}

	if err := s.cache.Put(req.Key, req.Value, ttl); err != nil {
		return err
	}

	if s.index != nil && utf8.Valid(req.Value) {
		if err := s.index.AddDocument(req.Key, string(req.Value)); err != nil {
			s.logger.Warn("indexing value failed", zap.String("key", req.Key), zap.Error(err))
		}
	}

	s.replicator.Replicate(req.Key, req.Value, req.TTLSeconds)
	return nil
}

// handleEvict removes one key. Under a transaction, the key's prior state
// is captured first so a rollback can restore it.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if !decode(w, r, &req) {
		return
	}

	if id := r.Header.Get(TransactionHeader); id != "" {
		op := txn.Operation{Kind: txn.OpEvict, Key: req.Key}
		if prev, ttl, ok := s.cache.Peek(req.Key); ok {
			op.Value = prev
			op.TTL = ttl
			op.Captured = true
		}
		s.txns.AddOperation(id, op)
	}

	s.cache.Evict(req.Key)
	writeJSON(w, http.StatusOK, cluster.SuccessResponse{Success: true})
}

// handleRefresh forces a fallback read, warms the local cache, and
// replicates the result.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if !decode(w, r, &req) {
		return
	}

	if value, ok := s.resolver.Refresh(r.Context(), req.Key); ok {
		s.metrics.CacheHits.WithLabelValues("refresh").Inc()
		writeJSON(w, http.StatusOK, cluster.ValueResponse{Value: value, Found: true})
		return
	}

	s.metrics.CacheMisses.WithLabelValues("refresh").Inc()
	writeJSON(w, http.StatusOK, cluster.ValueResponse{Found: false})
}

// handleBatchGet answers several keys from the local view only. The
// resolver is deliberately not consulted: batch reads are used by bulk
// consumers that prefer fast partial answers over peer fan-out.
func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var req cluster.BatchGetRequest
	if !decode(w, r, &req) {
		return
	}

	values := make(map[string]cluster.ValueResponse, len(req.Keys))
	for _, key := range req.Keys {
		if value, ok := s.cache.Get(key); ok {
			s.metrics.CacheHits.WithLabelValues("batch_get").Inc()
			values[key] = cluster.ValueResponse{Value: value, Found: true}
		} else {
			s.metrics.CacheMisses.WithLabelValues("batch_get").Inc()
			values[key] = cluster.ValueResponse{Found: false}
		}
	}

	writeJSON(w, http.StatusOK, cluster.BatchGetResponse{Values: values})
}

// handleBatchPut stores several entries, each through the same path as a
// single put.
func (s *Server) handleBatchPut(w http.ResponseWriter, r *http.Request) {
	var req cluster.BatchPutRequest
	if !decode(w, r, &req) {
		return
	}

	transactionID := r.Header.Get(TransactionHeader)
	for _, entry := range req.Entries {
		if err := s.applyPut(entry, transactionID); err != nil {
			s.logger.Error("batch put failed", zap.String("key", entry.Key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
	}

	writeJSON(w, http.StatusOK, cluster.SuccessResponse{Success: true})
}

// handleBeginTransaction opens a transaction and returns its id in the
// message field. Disabled transactions answer 501.
func (s *Server) handleBeginTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.txns.Enabled() {
		writeJSON(w, http.StatusNotImplemented, cluster.TransactionResponse{
			Success: false,
			Message: "transactions are disabled",
		})
		return
	}

	id := s.txns.Begin()
	s.logger.Info("transaction started", zap.String("transaction_id", id))
	writeJSON(w, http.StatusOK, cluster.TransactionResponse{Success: true, Message: id})
}

// handleCommitTransaction applies the transaction's operations in append
// order. An unknown or expired id commits nothing and still succeeds.
func (s *Server) handleCommitTransaction(w http.ResponseWriter, r *http.Request) {
	var req cluster.TransactionRequest
	if !decode(w, r, &req) {
		return
	}

	ops, ok := s.txns.Commit(req.TransactionID)
	if ok {
		for _, op := range ops {
			switch op.Kind {
			case txn.OpPut:
				if err := s.cache.Put(op.Key, op.Value, op.TTL); err != nil {
					s.logger.Error("commit put failed", zap.String("key", op.Key), zap.Error(err))
				}
			case txn.OpEvict:
				s.cache.Evict(op.Key)
			}
		}
		s.logger.Info("transaction committed",
			zap.String("transaction_id", req.TransactionID),
			zap.Int("operations", len(ops)))
	}

	writeJSON(w, http.StatusOK, cluster.TransactionResponse{
		Success: true,
		Message: "transaction committed",
	})
}

// handleRollbackTransaction undoes the transaction's operations, last
// first: a put rolls back as an evict; an evict re-inserts its captured
// previous value and TTL, or does nothing when there was nothing to
// capture.
func (s *Server) handleRollbackTransaction(w http.ResponseWriter, r *http.Request) {
	var req cluster.TransactionRequest
	if !decode(w, r, &req) {
		return
	}

	ops, ok := s.txns.Rollback(req.TransactionID)
	if ok {
		for i := len(ops) - 1; i >= 0; i-- {
			op := ops[i]
			switch op.Kind {
			case txn.OpPut:
				s.cache.Evict(op.Key)
			case txn.OpEvict:
				if !op.Captured {
					continue
				}
				ttl := op.TTL
				if ttl < 0 {
					// Peek measured the remaining TTL just past the
					// entry's expiry instant; restore as already-expirable.
					ttl = time.Nanosecond
				}
				if err := s.cache.Put(op.Key, op.Value, ttl); err != nil {
					s.logger.Error("rollback restore failed", zap.String("key", op.Key), zap.Error(err))
				}
			}
		}
		s.logger.Info("transaction rolled back",
			zap.String("transaction_id", req.TransactionID),
			zap.Int("operations", len(ops)))
	} else {
		s.logger.Warn("rollback of unknown transaction", zap.String("transaction_id", req.TransactionID))
	}

	writeJSON(w, http.StatusOK, cluster.TransactionResponse{
		Success: true,
		Message: "transaction rolled back",
	})
}
