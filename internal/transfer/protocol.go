package transfer

import (
	"encoding/json"
	"net/http"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/metadata"
)

// API version and base path
const (
	APIVersion = "v1"
	BasePath   = "/api/" + APIVersion + "/transfer"
)

// API Endpoints
var (
	EndpointWebSocket = BasePath + "/ws"
	EndpointCheckBook = BasePath + "/checkbook"
	EndpointStatus    = BasePath + "/{checkbook}/status"
	EndpointLedger    = "/api/" + APIVersion + "/transfers"
)

// RPC method names carried in Envelope.Method
const (
	MethodReceiveCheckBook = "ReceiveCheckBook"
	MethodReceiveSlice     = "ReceiveSlice"
)

// Envelope frames one RPC request or response on a websocket connection.
type Envelope struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CheckBookRequest carries a checkbook sent ahead of its slices.
type CheckBookRequest struct {
	CheckBook checkbook.CheckBook `json:"checkbook"`
}

type CheckBookResponse struct {
	Succeed bool `json:"succeed"`
}

// SliceRequest carries one slice and its content.
type SliceRequest struct {
	checkbook.SlicePayload
}

// SliceResponse reports whether the slice was accepted. Finished is set only on the response to
// the slice whose arrival completed the file.
type SliceResponse struct {
	Succeed  bool `json:"succeed"`
	Finished bool `json:"finished"`
}

// Progress is the receive state of one transfer.
type Progress struct {
	CheckBookFilename string  `json:"checkbook_filename"`
	DestFilename      string  `json:"dest_filename"`
	TotalSlices       int     `json:"total_slices"`
	FinishedSlices    int     `json:"finished_slices"`
	TotalBytes        int64   `json:"total_bytes"`
	FinalAdler        uint32  `json:"final_adler"`
	FinishedBytes     int64   `json:"finished_bytes"`
	ProgressPercent   float64 `json:"progress_percent"`
	Missing           []int   `json:"missing"`
	Saved             bool    `json:"saved"`
}

func progressOf(cb *checkbook.CheckBook) Progress {
	p := Progress{
		CheckBookFilename: cb.FileName(),
		DestFilename:      cb.Meta.DestFilename,
		TotalSlices:       cb.Len(),
		TotalBytes:        cb.TotalSize(),
		Missing:           []int{},
	}
	if n := cb.Len(); n > 0 {
		p.FinalAdler = cb.Slice(n - 1).Adler
	}
	for i := 0; i < cb.Len(); i++ {
		s := cb.Slice(i)
		if s.Finished {
			p.FinishedSlices++
			p.FinishedBytes += s.Length
		} else {
			p.Missing = append(p.Missing, i)
		}
	}
	if p.TotalSlices > 0 {
		p.ProgressPercent = float64(p.FinishedSlices) / float64(p.TotalSlices) * 100.0
	}
	return p
}

// StatusResponse answers a status query. Exactly one of Progress and Completed is set.
type StatusResponse struct {
	Progress  *Progress                `json:"progress,omitempty"`
	Completed *metadata.TransferRecord `json:"completed,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}
