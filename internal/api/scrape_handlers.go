package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-scraper/internal/archive"
	"github.com/JakeFAU/registry-scraper/internal/scrape"
)

const maxBodyBytes = 1 << 20

type scrapeRequest struct {
	LoginURL   string    `json:"loginUrl"`
	URLs       []string  `json:"urls"`
	FolderName string    `json:"folderName"`
	StartIndex flexIndex `json:"startIndex"`
	LastIndex  flexIndex `json:"lastIndex"`
}

func (req scrapeRequest) spec() scrape.Spec {
	return scrape.Spec{
		LoginURL:   req.LoginURL,
		TableURLs:  req.URLs,
		FolderName: req.FolderName,
		StartIndex: req.StartIndex.value,
		LastIndex:  req.LastIndex.value,
	}
}

type zipRequest struct {
	FolderName string `json:"folderName"`
}

// flexIndex accepts a JSON number or a numeric string. Values without a
// leading integer are treated as absent.
type flexIndex struct {
	value *int
}

func (f *flexIndex) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		f.value = nil
		return nil
	}
	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("index: %w", err)
		}
	} else {
		raw = string(data)
	}
	f.value = leadingInt(raw)
	return nil
}

// leadingInt parses the optional sign and digits at the start of s.
func leadingInt(s string) *int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return nil
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return nil
	}
	return &n
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (s *Server) startScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ack, err := s.scraper.Start(r.Context(), req.spec())
	if err != nil {
		status, msg := startFailure(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("start scrape failed", zap.Error(err), zap.String("request_id", requestID(r.Context())))
		}
		writeMessage(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func startFailure(err error) (int, string) {
	switch {
	case errors.Is(err, scrape.ErrAlreadyRunning):
		return http.StatusBadRequest, "A scraping operation is already in progress."
	case errors.Is(err, scrape.ErrMaintenanceWindow):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, scrape.ErrMissingInput):
		return http.StatusBadRequest, "Login URL, table URLs, and folder name are required."
	case errors.Is(err, scrape.ErrInvalidSpec), errors.Is(err, scrape.ErrOutputDir):
		return http.StatusBadRequest, sentence(err.Error())
	default:
		return http.StatusInternalServerError, "Failed to start scraping"
	}
}

func (s *Server) abort(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scraper.Abort())
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scraper.Status())
}

func (s *Server) createZip(w http.ResponseWriter, r *http.Request) {
	var req zipRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.archiver.CreateZip(r.Context(), req.FolderName)
	switch {
	case err == nil:
		name := strings.TrimSpace(req.FolderName) + ".zip"
		writeJSON(w, http.StatusOK, map[string]any{
			"message": fmt.Sprintf("ZIP file created successfully at %s", path.Join(s.root, name)),
			"files":   res.Files,
			"bytes":   res.Bytes,
		})
	case errors.Is(err, archive.ErrFolderRequired):
		writeMessage(w, http.StatusBadRequest, "Folder name is required")
	case errors.Is(err, archive.ErrFolderNotFound):
		writeMessage(w, http.StatusNotFound, "Folder not found")
	case errors.Is(err, archive.ErrNotDirectory), errors.Is(err, archive.ErrInvalidFolder):
		writeMessage(w, http.StatusBadRequest, "Invalid folder path")
	default:
		s.logger.Error("create zip failed", zap.Error(err), zap.String("folder", req.FolderName))
		writeMessage(w, http.StatusInternalServerError, "Error creating ZIP file: "+err.Error())
	}
}

func sentence(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
