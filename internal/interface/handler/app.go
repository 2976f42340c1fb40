package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// AppConfig はローカルアプリケーションの構成
type AppConfig struct {
	Gate           domain.AccessController
	ExemptRoutes   bool
	Assets         domain.AssetProvider
	CachePrefix    string
	Resolver       FileResolver
	Routes         []domain.Route
	Handlers       map[string]RouteHandler
	ReservedPrefix string
	Users          map[string]string
	Realm          string
	FallbackFile   string
}

// App はローカルアプリケーションのパイプライン.
// 予約プレフィックス > 静的アセット除外 > ゲート > Basic認証 > キャッシュ > 固定ルート > ファイル解決 > 404 の順に評価する.
type App struct {
	stages   []Stage
	fallback *Fallback
	metrics  domain.MetricsCollector
	logger   domain.Logger
}

// NewApp は新しいAppインスタンスを作成
func NewApp(
	config AppConfig, metrics domain.MetricsCollector, logger domain.Logger,
) *App {
	fallback := NewFallback(config.FallbackFile)

	files := make(map[string]string, len(config.Routes))
	for _, route := range config.Routes {
		files[route.Path] = route.File
	}

	exempt := map[string]bool{}
	if config.ExemptRoutes {
		for p := range files {
			exempt[p] = true
		}
	}

	handlers := config.Handlers
	if handlers == nil {
		handlers = map[string]RouteHandler{}
	}

	stages := []Stage{
		&reservedStage{base: strings.TrimSuffix(config.ReservedPrefix, "/"), fallback: fallback},
		assetBypassStage{},
		&gateStage{gate: config.Gate, exemptRoutes: exempt, metrics: metrics},
		&basicAuthStage{users: config.Users, realm: config.Realm, metrics: metrics},
	}
	if config.Assets != nil {
		stages = append(stages, &cacheStage{prefix: config.CachePrefix, assets: config.Assets})
	}
	stages = append(stages,
		&routeStage{files: files, handlers: handlers, resolver: config.Resolver},
		&resolverStage{resolver: config.Resolver},
	)

	return &App{
		stages:   stages,
		fallback: fallback,
		metrics:  metrics,
		logger:   logger,
	}
}

// Stages はステージ名を評価順に返す
func (a *App) Stages() []string {
	names := make([]string, len(a.stages))
	for i, s := range a.stages {
		names[i] = s.Name()
	}
	return names
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := newResponseRecorder(w)
	x := &Exchange{W: rec, R: r}
	current := ""

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			a.logger.Error("Panic while handling request", fmt.Errorf("%v", p), map[string]interface{}{
				"path":  r.URL.Path,
				"stage": current,
			})
			a.fail(rec, r)
		}
	}()

	for _, stage := range a.stages {
		current = stage.Name()
		res := stage.Serve(x)

		switch res.Outcome {
		case Continue:
			continue
		case Respond:
			var denied *domain.ErrGateDenied
			if errors.As(res.Err, &denied) {
				a.logger.Info("Access blocked", map[string]interface{}{
					"path":    r.URL.Path,
					"referer": r.Referer(),
					"stage":   current,
					"reason":  string(denied.Reason),
				})
			}
			a.metrics.RecordRequest(outcomeFor(res.Status))
			return
		case Fail:
			a.logger.Error("Request failed", res.Err, map[string]interface{}{
				"path":  r.URL.Path,
				"stage": current,
			})
			a.fail(rec, r)
			return
		}
	}

	a.metrics.RecordRequest(domain.OutcomeNotFound)
	a.fallback.Serve(rec, r, http.StatusNotFound)
}

func (a *App) fail(rec *responseRecorder, r *http.Request) {
	a.metrics.RecordError()
	a.metrics.RecordRequest(domain.OutcomeError)
	if rec.wroteHeader {
		// 書き込み途中のレスポンスは修復できない
		return
	}
	a.fallback.Serve(rec, r, http.StatusInternalServerError)
}

func outcomeFor(status int) string {
	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return domain.OutcomeDenied
	case status == http.StatusNotFound:
		return domain.OutcomeNotFound
	case status >= 500:
		return domain.OutcomeError
	}
	return domain.OutcomeOK
}
