package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/SliceBook/internal/checkbook"
	"github.com/jaywantadh/SliceBook/internal/chunker"
)

// Client sends files to a SliceBook receiver. Requests on one client are issued one at a time.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        logrus.FieldLogger
	Progress   *ProgressTracker

	mu sync.Mutex
	ws *websocket.Conn
}

// NewClient creates a new transfer client for a receiver at baseURL (http:// or https://).
func NewClient(baseURL string, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:      log,
		Progress: NewProgressTracker(),
	}
}

// Connect opens the websocket slices are sent over. A closed connection lets the receiver flush
// progress; calling Connect again resumes on a new connection.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.baseURL + EndpointWebSocket)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
		}
		return err
	}

	c.mu.Lock()
	old := c.ws
	c.ws = ws
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close closes the websocket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.ws.Close()
	c.ws = nil
	return err
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Minute)
	}
	c.ws.SetWriteDeadline(deadline)
	c.ws.SetReadDeadline(deadline)

	env := Envelope{ID: uuid.New().String(), Method: method, Body: body}
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	var reply Envelope
	if err := c.ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if reply.ID != env.ID {
		return fmt.Errorf("%s: reply %s does not match request %s", method, reply.ID, env.ID)
	}
	if reply.Error != "" {
		return fmt.Errorf("%s: %s", method, reply.Error)
	}
	return json.Unmarshal(reply.Body, resp)
}

// SendCheckBook announces a transfer.
func (c *Client) SendCheckBook(ctx context.Context, cb *checkbook.CheckBook) error {
	var resp CheckBookResponse
	if err := c.call(ctx, MethodReceiveCheckBook, CheckBookRequest{CheckBook: *cb}, &resp); err != nil {
		return err
	}
	if !resp.Succeed {
		return fmt.Errorf("receiver rejected checkbook %s", cb.FileName())
	}
	return nil
}

// SendSlice sends one slice. A false Succeed means the slice should be sent again.
func (c *Client) SendSlice(ctx context.Context, p *checkbook.SlicePayload) (SliceResponse, error) {
	var resp SliceResponse
	err := c.call(ctx, MethodReceiveSlice, SliceRequest{SlicePayload: *p}, &resp)
	return resp, err
}

// GetTransferStatus asks the receiver about a checkbook. It returns nil, nil for unknown transfers.
func (c *Client) GetTransferStatus(ctx context.Context, checkbookName string) (*StatusResponse, error) {
	u := c.baseURL + BasePath + "/" + url.PathEscape(checkbookName) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get status failed: %s - %s", resp.Status, string(body))
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SendReport summarizes a SendFile call.
type SendReport struct {
	CheckBook *checkbook.CheckBook
	Resumed   bool
	Sent      int
	Finished  bool
}

// SendFile transfers the file at filePath as destName. If the receiver already holds progress for
// an identical checkbook only the missing slices are sent.
func (c *Client) SendFile(ctx context.Context, filePath, destName string, sliceSize int64) (*SendReport, error) {
	cb, err := chunker.Plan(filePath, destName, sliceSize)
	if err != nil {
		return nil, err
	}
	name := cb.FileName()
	report := &SendReport{CheckBook: cb}
	log := c.log.WithField("checkbook", name)

	missing := make([]int, cb.Len())
	for i := range missing {
		missing[i] = i
	}

	status, err := c.GetTransferStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	if p := resumable(status, cb); p != nil {
		missing = p.Missing
		if len(missing) == 0 {
			// Everything arrived but reassembly did not go through; one more slice retries it.
			missing = []int{cb.Len() - 1}
		}
		report.Resumed = true
		log.WithField("missing", len(missing)).Info("Resuming transfer")
	} else if err := c.SendCheckBook(ctx, cb); err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer f.Close()

	c.Progress.StartTracking(name, cb.Meta.DestFilename, cb.Len(), cb.TotalSize())
	done := cb.Len() - len(missing)
	var doneBytes int64
	for i := 0; i < cb.Len(); i++ {
		doneBytes += cb.Slice(i).Length
	}
	for _, i := range missing {
		doneBytes -= cb.Slice(i).Length
	}
	c.Progress.UpdateProgress(name, done, doneBytes, StatusInProgress)

	for _, i := range missing {
		s := cb.Slice(i)
		content, err := chunker.ReadSlice(f, s)
		if err != nil {
			c.Progress.UpdateProgress(name, done, doneBytes, StatusFailed)
			return report, err
		}
		resp, err := c.SendSlice(ctx, &checkbook.SlicePayload{Slice: s, Content: content})
		if err != nil {
			c.Progress.UpdateProgress(name, done, doneBytes, StatusFailed)
			return report, err
		}
		if !resp.Succeed {
			c.Progress.UpdateProgress(name, done, doneBytes, StatusFailed)
			return report, fmt.Errorf("receiver rejected slice %d of %s", i, name)
		}
		report.Sent++
		done++
		doneBytes += s.Length
		if resp.Finished {
			report.Finished = true
		}
		c.Progress.UpdateProgress(name, done, doneBytes, StatusInProgress)
	}

	if report.Finished {
		c.Progress.UpdateProgress(name, done, doneBytes, StatusCompleted)
	}
	return report, nil
}

// resumable returns the receiver's progress if it describes the same file as cb.
func resumable(status *StatusResponse, cb *checkbook.CheckBook) *Progress {
	if status == nil || status.Progress == nil || status.Progress.Saved {
		return nil
	}
	p := status.Progress
	if p.TotalSlices != cb.Len() || p.TotalBytes != cb.TotalSize() ||
		p.FinalAdler != cb.Slice(cb.Len()-1).Adler || p.DestFilename != cb.Meta.DestFilename {
		return nil
	}
	return p
}
