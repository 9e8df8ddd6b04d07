package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

const defaultPageSize = 20

// startCrawl kicks off a crawl run in the background. A second request
// while a run is active gets 409.
func (s *Server) startCrawl(w http.ResponseWriter, _ *http.Request) {
	if s.trigger == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "crawling is not configured")
		return
	}
	if s.trigger.Running() {
		writeError(s.logger, w, http.StatusConflict, "a crawl run is already in progress")
		return
	}

	go func() {
		// The run outlives the HTTP request.
		summary, err := s.trigger.Run(context.Background())
		if err != nil {
			if errors.Is(err, catalog.ErrRunInProgress) {
				return
			}
			s.logger.Error("crawl run failed", zap.String("run_id", summary.RunID), zap.Error(err))
			return
		}
		s.logger.Info("crawl run completed", zap.String("run_id", summary.RunID))
	}()

	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	filter, err := bookFilterFromQuery(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	books, total, err := s.store.ListBooks(r.Context(), filter)
	if err != nil {
		s.logger.Error("list books failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "list books failed")
		return
	}
	if books == nil {
		books = []catalog.Book{}
	}
	writeJSON(s.logger, w, http.StatusOK, listBooksResponse{
		Books: books,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	})
}

func (s *Server) getBookByURL(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		writeError(s.logger, w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	book, err := s.store.GetBookByURL(r.Context(), url)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(s.logger, w, http.StatusNotFound, "book not found")
		return
	}
	if err != nil {
		s.logger.Error("get book failed", zap.String("url", url), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "get book failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, book)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	filter, err := changeFilterFromQuery(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	changes, err := s.store.ListChanges(r.Context(), filter)
	if err != nil {
		s.logger.Error("list changes failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "list changes failed")
		return
	}
	if changes == nil {
		changes = []catalog.ChangeEvent{}
	}
	writeJSON(s.logger, w, http.StatusOK, listChangesResponse{Changes: changes})
}

type listBooksResponse struct {
	Books []catalog.Book `json:"books"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

type listChangesResponse struct {
	Changes []catalog.ChangeEvent `json:"changes"`
}

func bookFilterFromQuery(r *http.Request) (catalog.BookFilter, error) {
	q := r.URL.Query()
	filter := catalog.BookFilter{
		Category: strings.TrimSpace(q.Get("category")),
		Page:     1,
		Limit:    defaultPageSize,
	}

	if raw := q.Get("rating"); raw != "" {
		rating, err := catalog.ParseRating(raw)
		if err != nil {
			return catalog.BookFilter{}, err
		}
		filter.Rating = rating
	}
	if raw := q.Get("min_price"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return catalog.BookFilter{}, errors.New("min_price must be a number")
		}
		filter.MinPrice = &v
	}
	if raw := q.Get("max_price"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return catalog.BookFilter{}, errors.New("max_price must be a number")
		}
		filter.MaxPrice = &v
	}
	if raw := q.Get("sort"); raw != "" {
		switch raw {
		case "rating", "price", "reviews":
			filter.SortBy = raw
		default:
			return catalog.BookFilter{}, errors.New("sort must be rating, price, or reviews")
		}
	}
	if raw := q.Get("include_removed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return catalog.BookFilter{}, errors.New("include_removed must be a boolean")
		}
		filter.IncludeRemoved = v
	}
	if raw := q.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return catalog.BookFilter{}, errors.New("page must be a positive integer")
		}
		filter.Page = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 200 {
			return catalog.BookFilter{}, errors.New("limit must be between 1 and 200")
		}
		filter.Limit = v
	}
	return filter, nil
}

func changeFilterFromQuery(r *http.Request) (catalog.ChangeFilter, error) {
	q := r.URL.Query()
	filter := catalog.ChangeFilter{Limit: 100}

	if raw := q.Get("date"); raw != "" {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return catalog.ChangeFilter{}, errors.New("date must be YYYY-MM-DD")
		}
		filter.Day = &day
	}
	if raw := q.Get("kind"); raw != "" {
		switch catalog.ChangeKind(raw) {
		case catalog.ChangeNewItem, catalog.ChangePrice, catalog.ChangeAvailability,
			catalog.ChangeField, catalog.ChangeRemoved:
			filter.Kind = catalog.ChangeKind(raw)
		default:
			return catalog.ChangeFilter{}, errors.New("unknown change kind")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			return catalog.ChangeFilter{}, errors.New("limit must be between 1 and 1000")
		}
		filter.Limit = v
	}
	return filter, nil
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
