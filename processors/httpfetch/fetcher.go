package httpfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/ctxkeys"
	"github.com/BaSui01/grantflow/types"
	"github.com/BaSui01/grantflow/workflow"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind 配置中 processors[].kind 的取值
const Kind = "http_fetch"

// HeaderRunID 上游请求携带的运行 ID 头
const HeaderRunID = "X-GrantFlow-Run-ID"

// 单次 Run 内并发请求数
const defaultConcurrency = 4

var errNotFound = errors.New("httpfetch: resource not found")

// Fetcher 对每个实体 GET 一次 JSON 资源，结果写入缓存命名空间
type Fetcher struct {
	name           string
	urlTemplate    string
	namespace      string
	notFoundAsSkip bool
	concurrency    int
	client         *resty.Client
	logger         *zap.Logger
}

// Option Fetcher 构造选项
type Option func(*Fetcher)

// WithClient 替换底层 HTTP 客户端
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = resty.NewWithClient(c) }
}

// WithConcurrency 单次 Run 内的并发请求数
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// New 创建 Fetcher
func New(name string, cfg config.HTTPProcessorConfig, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if cfg.URL == "" {
		return nil, types.ConfigError("processor %s: http.url is required", name)
	}
	if !strings.Contains(cfg.URL, "{id}") {
		return nil, types.ConfigError("processor %s: http.url must contain {id}", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = name
	}
	f := &Fetcher{
		name:           name,
		urlTemplate:    cfg.URL,
		namespace:      ns,
		notFoundAsSkip: cfg.NotFoundAsSkip,
		concurrency:    defaultConcurrency,
		client:         resty.New(),
		logger:         logger.With(zap.String("processor", name)),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.client.
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers)
	if cfg.Timeout > 0 {
		f.client.SetTimeout(cfg.Timeout)
	}
	return f, nil
}

// Descriptor 由声明式配置构造 Fetcher 及其处理器描述
func Descriptor(pc config.ProcessorConfig, logger *zap.Logger, opts ...Option) (workflow.Descriptor, error) {
	f, err := New(pc.Name, pc.HTTP, logger, opts...)
	if err != nil {
		return workflow.Descriptor{}, err
	}
	return workflow.DescriptorFromConfig(pc, f)
}

// Namespace 写入的缓存命名空间
func (f *Fetcher) Namespace() string { return f.namespace }

// URLFor 展开实体的请求地址
func (f *Fetcher) URLFor(ref types.EntityRef) string {
	return strings.NewReplacer(
		"{type}", url.PathEscape(ref.Type),
		"{id}", url.PathEscape(ref.ID),
	).Replace(f.urlTemplate)
}

// Run implements workflow.Processor.
func (f *Fetcher) Run(ctx context.Context, entities []types.EntityRef, ec *workflow.ExecutionContext) (*workflow.RunResult, error) {
	res := workflow.NewRunResult()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, ref := range entities {
		g.Go(func() error {
			doc, err := workflow.Cached(gctx, ec, ref, f.namespace, func(ctx context.Context) (json.RawMessage, error) {
				return f.fetch(ctx, ref)
			})
			switch {
			case err == nil:
				res.Succeed(ref, doc)
			case errors.Is(err, errNotFound) && f.notFoundAsSkip:
				res.Skip(ref, fmt.Sprintf("%s not found", f.URLFor(ref)))
			case gctx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
				res.TimeOut(ref, types.NewError(types.ErrTimeout, "request deadline exceeded").
					WithProcessor(f.name).WithEntity(ref.Key()).WithCause(err))
			default:
				res.Fail(ref, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, ref types.EntityRef) (json.RawMessage, error) {
	target := f.URLFor(ref)
	req := f.client.R().SetContext(ctx)
	if runID, ok := ctxkeys.RunID(ctx); ok {
		req.SetHeader(HeaderRunID, runID)
	}
	resp, err := req.Get(target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, types.NewError(types.ErrTransientExternal, fmt.Sprintf("GET %s failed", target)).
			WithProcessor(f.name).WithEntity(ref.Key()).WithCause(err)
	}

	status := resp.StatusCode()
	if status == http.StatusNotFound {
		return nil, types.NewError(types.ErrPermanentExternal, fmt.Sprintf("GET %s: not found", target)).
			WithHTTPStatus(status).WithProcessor(f.name).WithEntity(ref.Key()).WithCause(errNotFound)
	}
	if err := types.HTTPStatusCode(status, fmt.Sprintf("GET %s: %s", target, resp.Status())); err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			te.WithProcessor(f.name).WithEntity(ref.Key())
		}
		f.logger.Debug("upstream returned error status",
			zap.String("entity", ref.Key()),
			zap.Int("status", status))
		return nil, err
	}

	body := resp.Body()
	if !json.Valid(body) {
		return nil, types.NewError(types.ErrPermanentExternal, fmt.Sprintf("GET %s: response is not JSON", target)).
			WithHTTPStatus(status).WithProcessor(f.name).WithEntity(ref.Key())
	}
	return json.RawMessage(body), nil
}
