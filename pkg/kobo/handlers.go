package kobo

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/koboldbooks/kobold/pkg/errcodes"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"golang.org/x/image/draw"
)

type handler struct {
	svc    *Service
	proxy  *Proxy
	client *http.Client
}

func newHandler(svc *Service, proxy *Proxy, client *http.Client) *handler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &handler{svc: svc, proxy: proxy, client: client}
}

func baseURL(c echo.Context) string {
	return fmt.Sprintf("%s://%s", c.Scheme(), c.Request().Host)
}

func (h *handler) handleInitialization(c echo.Context) error {
	base := baseURL(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"Resources": map[string]string{
			"image_host":         base + "/images",
			"image_url_template": base + "/images/{ImageId}/{Width}/{Height}/False/img.jpg",
		},
	})
}

func (h *handler) handleAuthDevice(c echo.Context) error {
	var body map[string]interface{}
	_ = c.Bind(&body)

	userKey := "local-user"
	if v, ok := body["UserKey"].(string); ok && v != "" {
		userKey = v
	}

	return c.JSON(http.StatusOK, map[string]string{
		"AccessToken":  "ACCESS_TOKEN",
		"RefreshToken": "REFRESH_TOKEN",
		"TrackingId":   uuid.New().String(),
		"UserKey":      userKey,
	})
}

// handleSync merges the local catalog delta with the upstream store's change
// feed under a single composite cursor. The two halves fail independently:
// an unreachable upstream degrades the response to local-only results and
// leaves the upstream cursor untouched, so the device naturally retries it
// on the next sync.
func (h *handler) handleSync(c echo.Context) error {
	ctx := c.Request().Context()
	log := logger.FromContext(c.Request().Context())

	token := TokenFromRequest(c.Request())

	var since *time.Time
	if token.LastSuccessfulSyncPointID != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *token.LastSuccessfulSyncPointID)
		if err != nil {
			log.Warn("invalid sync timestamp", logger.Data{"value": *token.LastSuccessfulSyncPointID})
		} else {
			since = &parsed
		}
	}

	entries, err := h.svc.LocalSync(ctx, since, baseURL(c))
	if err != nil {
		return err
	}
	log.Info("local sync complete", logger.Data{"entries": len(entries)})

	upstreamStatus, upstreamToken, upstreamEntries, err := h.proxy.FetchSync(c)
	if err != nil {
		log.Err(err).Warn("upstream sync failed, returning local-only results")
	} else if upstreamStatus == http.StatusOK {
		for _, entry := range upstreamEntries {
			entries = append(entries, entry)
		}
		token.RawKoboSyncToken = upstreamToken.RawKoboSyncToken
		log.Info("upstream sync merged", logger.Data{"store_items": len(upstreamEntries)})
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	token.LastSuccessfulSyncPointID = &now
	token.OngoingSyncPointID = nil

	c.Response().Header().Set(SyncTokenHeader, token.Encode())

	if entries == nil {
		entries = []interface{}{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *handler) handleGetState(c echo.Context) error {
	bookID := c.Param("bookId")
	if !isLocalBook(bookID) {
		return h.proxy.Forward(c, "/v1/library/"+bookID+"/state", false)
	}

	state, err := h.svc.GetReadingState(c.Request().Context(), bookID)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	entry := ReadingStateEntry{
		EntitlementID: bookID,
		StatusInfo:    StatusInfo{Status: models.ReadingStatusUnread, LastModified: now},
		Statistics:    Statistics{LastModified: now},
		CurrentBookmark: CurrentBookmark{
			LastModified: now,
		},
	}
	if state != nil {
		modified := state.LastModified.UTC().Format(time.RFC3339Nano)
		entry.StatusInfo = StatusInfo{Status: state.Status, LastModified: modified}
		entry.Statistics = Statistics{
			SpentReadingMinutes:  state.SpentReadingMinutes,
			RemainingTimeMinutes: state.RemainingTimeMinutes,
			LastModified:         now,
		}
		entry.CurrentBookmark = CurrentBookmark{
			ProgressPercent: state.ProgressPercent,
			Location: Location{
				Value:  state.LocationValue,
				Type:   state.LocationType,
				Source: state.LocationSource,
			},
			LastModified: modified,
		}
	}

	return c.JSON(http.StatusOK, []ReadingStateEntry{entry})
}

func (h *handler) handlePutState(c echo.Context) error {
	bookID := c.Param("bookId")
	if !isLocalBook(bookID) {
		return h.proxy.Forward(c, "/v1/library/"+bookID+"/state", false)
	}

	update := &ReadingStateUpdate{}
	if err := c.Bind(update); err != nil {
		return errcodes.MalformedPayload()
	}
	if len(update.ReadingStates) == 0 {
		return errcodes.ValidationError("No states provided")
	}

	state, err := h.svc.UpsertReadingState(c.Request().Context(), bookID, update.ReadingStates[0])
	if err != nil {
		return err
	}

	logger.FromContext(c.Request().Context()).Info("reading state updated", logger.Data{
		"book_id":  bookID,
		"progress": state.ProgressPercent,
	})

	return c.JSON(http.StatusOK, update)
}

// handleDownload serves the book file, preferring the kepub conversion when
// one exists.
func (h *handler) handleDownload(c echo.Context) error {
	bookID := c.Param("bookId")
	if !isLocalBook(bookID) {
		return errcodes.NotFound("Book")
	}

	book, err := h.svc.GetBook(c.Request().Context(), bookID)
	if err != nil {
		return err
	}
	if book == nil || book.IsDeleted {
		return errcodes.NotFound("Book")
	}

	path := book.Filepath
	filename := book.Title + filepath.Ext(book.Filepath)
	if book.KepubPath != nil && *book.KepubPath != "" {
		path = *book.KepubPath
		filename = book.Title + ".kepub.epub"
	}

	if _, err := os.Stat(path); err != nil {
		return errcodes.NotFound("File")
	}

	// Sniff the content type from the file itself; extension-based detection
	// reports .kepub.epub as an octet stream.
	ctype := "application/epub+zip"
	if mtype, err := mimetype.DetectFile(path); err == nil {
		ctype = mtype.String()
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	c.Response().Header().Set(echo.HeaderContentType, ctype)
	return c.File(path)
}

// handleCover serves a book's cover image, scaled to fit the requested box.
// Remote cover URLs are streamed through untouched.
func (h *handler) handleCover(c echo.Context) error {
	imageID := c.Param("imageId")
	if !isLocalBook(imageID) {
		return errcodes.NotFound("Image")
	}

	book, err := h.svc.GetBook(c.Request().Context(), imageID)
	if err != nil {
		return err
	}
	if book == nil || book.CoverPath == nil || *book.CoverPath == "" {
		return errcodes.NotFound("Cover")
	}

	if strings.HasPrefix(*book.CoverPath, "http") {
		return h.streamRemoteCover(c, *book.CoverPath)
	}

	width, _ := strconv.Atoi(c.Param("width"))
	height, _ := strconv.Atoi(c.Param("height"))
	return h.serveLocalCover(c, *book.CoverPath, width, height)
}

func (h *handler) streamRemoteCover(c echo.Context, coverURL string) error {
	req, err := http.NewRequestWithContext(c.Request().Context(), http.MethodGet, coverURL, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		logger.FromContext(c.Request().Context()).Err(err).Warn("failed to fetch remote cover", logger.Data{"url": coverURL})
		return errcodes.NotFound("Cover")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errcodes.NotFound("Cover")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return c.Stream(http.StatusOK, contentType, resp.Body)
}

func (h *handler) serveLocalCover(c echo.Context, path string, width, height int) error {
	f, err := os.Open(path)
	if err != nil {
		return errcodes.NotFound("Cover")
	}
	defer f.Close()

	if width <= 0 || height <= 0 {
		contentType := "image/jpeg"
		if filepath.Ext(path) == ".png" {
			contentType = "image/png"
		}
		return c.Stream(http.StatusOK, contentType, f)
	}

	src, _, err := image.Decode(f)
	if err != nil {
		return errors.WithStack(err)
	}

	dst := image.NewRGBA(fitRect(src.Bounds(), width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	c.Response().Header().Set(echo.HeaderContentType, "image/jpeg")
	c.Response().WriteHeader(http.StatusOK)
	return errors.WithStack(jpeg.Encode(c.Response().Writer, dst, &jpeg.Options{Quality: 85}))
}

// fitRect scales bounds down to fit in a width x height box, preserving
// aspect ratio. Images already inside the box keep their size.
func fitRect(bounds image.Rectangle, width, height int) image.Rectangle {
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW <= width && srcH <= height {
		return image.Rect(0, 0, srcW, srcH)
	}

	scaleW := float64(width) / float64(srcW)
	scaleH := float64(height) / float64(srcH)
	scale := scaleW
	if scaleH < scaleW {
		scale = scaleH
	}
	return image.Rect(0, 0, int(float64(srcW)*scale), int(float64(srcH)*scale))
}

func (h *handler) handleCatchAll(c echo.Context) error {
	path := c.Request().URL.Path
	if idx := strings.Index(path, "/v1/"); idx != -1 {
		path = path[idx:]
	}
	return h.proxy.Forward(c, path, false)
}
