// Package httpapi exposes a catalog over HTTP with gin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jacentio/catalogstore/internal/logger"
	"github.com/jacentio/catalogstore/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Catalog is the part of *store.Catalog the handlers use.
type Catalog interface {
	Create(ctx context.Context, p store.Product) (store.Product, error)
	Read(ctx context.Context, id, categoryID string) (store.Product, error)
	Replace(ctx context.Context, p store.Product) (store.Product, error)
	Delete(ctx context.Context, id, categoryID string) error
	ListAll(ctx context.Context) iter.Seq2[store.Product, error]
	Query(ctx context.Context, expr string) iter.Seq2[store.Product, error]
	QueryFilter(ctx context.Context, f store.Filter) iter.Seq2[store.Product, error]
}

var _ Catalog = (*store.Catalog)(nil)

// Handler serves the catalog routes.
type Handler struct {
	catalog Catalog
	log     *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(catalog Catalog, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{catalog: catalog, log: log}
}

// Router builds the gin engine with request logging and recovery.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.RequestLogger(h.log))
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)

	products := r.Group("/products")
	products.POST("", h.createProduct)
	products.GET("", h.listProducts)
	products.GET("/:category/:id", h.getProduct)
	products.PUT("/:category/:id", h.replaceProduct)
	products.DELETE("/:category/:id", h.deleteProduct)

	r.POST("/candidates", h.candidates)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) createProduct(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	p, err := store.ParseProduct(body)
	if err != nil {
		h.failStore(c, err)
		return
	}
	created, err := h.catalog.Create(c.Request.Context(), p)
	if err != nil {
		h.failStore(c, err)
		return
	}
	c.Header("Location", "/products/"+created.CategoryID+"/"+created.ID)
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) getProduct(c *gin.Context) {
	p, err := h.catalog.Read(c.Request.Context(), c.Param("id"), c.Param("category"))
	if err != nil {
		h.failStore(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) replaceProduct(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	p, err := store.ParseProduct(body)
	if err != nil {
		h.failStore(c, err)
		return
	}
	// ParseProduct fills a missing id.
	if p.CategoryID != c.Param("category") {
		h.fail(c, http.StatusBadRequest, errors.New("categoryId does not match the path"))
		return
	}
	if bodyHasID(body) && p.ID != c.Param("id") {
		h.fail(c, http.StatusBadRequest, errors.New("id does not match the path"))
		return
	}
	p.ID = c.Param("id")

	replaced, err := h.catalog.Replace(c.Request.Context(), p)
	if err != nil {
		h.failStore(c, err)
		return
	}
	c.JSON(http.StatusOK, replaced)
}

func (h *Handler) deleteProduct(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), c.Param("id"), c.Param("category")); err != nil {
		h.failStore(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listProducts(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	seq := h.catalog.ListAll(ctx)
	if filter := c.Query("filter"); filter != "" {
		seq = h.catalog.Query(ctx, filter)
	}

	list, err := take(seq, limit, nil)
	if err != nil {
		h.failStore(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// candidates returns the embedded products of a category for the caller
// to rank against the request.
func (h *Handler) candidates(c *gin.Context) {
	var req CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	category := c.Query("category")
	if category == "" {
		h.fail(c, http.StatusBadRequest, errors.New("category query parameter is required"))
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}

	seq := h.catalog.QueryFilter(c.Request.Context(), store.CategoryEquals(category))
	list, err := take(seq, limit, func(p store.Product) bool { return len(p.Embedding) > 0 })
	if err != nil {
		h.failStore(c, err)
		return
	}

	h.log.Debug("candidates selected",
		zap.String("request_id", logger.RequestID(c)),
		zap.String("category", category),
		zap.Int("history", len(req.ChatHistory)),
		zap.Int("count", list.Count),
	)
	c.JSON(http.StatusOK, CandidatesResponse{
		Message:    req.Message,
		Category:   category,
		Candidates: list.Products,
	})
}

// take drains seq into a list of at most limit products accepted by keep.
func take(seq iter.Seq2[store.Product, error], limit int, keep func(store.Product) bool) (ProductList, error) {
	list := ProductList{Products: []store.Product{}}
	for p, err := range seq {
		if err != nil {
			return ProductList{}, err
		}
		if keep != nil && !keep(p) {
			continue
		}
		if len(list.Products) == limit {
			list.Truncated = true
			break
		}
		list.Products = append(list.Products, p)
	}
	list.Count = len(list.Products)
	return list, nil
}

func bodyHasID(body []byte) bool {
	var probe struct {
		ID string `json:"id"`
	}
	return json.Unmarshal(body, &probe) == nil && probe.ID != ""
}

func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(maxLimit))
	}
	return n, nil
}

// statusOf maps a store error kind to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidDocument), errors.Is(err, store.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) failStore(c *gin.Context, err error) {
	h.fail(c, statusOf(err), err)
}

func (h *Handler) fail(c *gin.Context, status int, err error) {
	requestID := logger.RequestID(c)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, RequestID: requestID})
}
