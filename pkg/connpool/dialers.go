package connpool

import (
	"context"
	"database/sql"
	"fmt"
	"net"

	_ "github.com/lib/pq" // postgres driver
	"github.com/valyala/fasthttp"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// dialHTTP builds a keep-alive client bound to one host. Each pool entry owns
// exactly one underlying TCP connection.
func (p *Pool) dialHTTP(_ context.Context, target string) (*Resource, error) {
	isTLS := p.cfg.HTTP.DefaultTLS
	if _, port, err := net.SplitHostPort(target); err == nil {
		isTLS = port == "443"
	}

	hc := &fasthttp.HostClient{
		Addr:                   fasthttp.AddMissingPort(target, isTLS),
		Name:                   "talos",
		IsTLS:                  isTLS,
		MaxConns:               1,
		MaxIdleConnDuration:    p.cfg.IdleTimeout,
		ReadTimeout:            p.cfg.HTTP.ReadTimeout,
		WriteTimeout:           p.cfg.HTTP.WriteTimeout,
		DisablePathNormalizing: true,
	}
	return NewResource(hc, nil, nil), nil
}

// dialDatabase opens a postgres handle capped to a single connection
func (p *Pool) dialDatabase(ctx context.Context, target string) (*Resource, error) {
	dsn, ok := p.cfg.Databases[target]
	if !ok {
		return nil, talerrors.Newf(talerrors.KindConfiguration, "no DSN configured for database %q", target)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(p.cfg.IdleTimeout)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return NewResource(nil, db, nil), nil
}
