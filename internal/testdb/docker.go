package testdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	dc "github.com/ory/dockertest/v3/docker"
)

// containerLifetime bounds how long a leaked container survives a crashed
// test binary.
const containerLifetime = 10 * time.Minute

// startPostgres runs a postgres container and waits until it accepts
// connections. The container removes itself when it expires.
func startPostgres() (string, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return "", fmt.Errorf("connect to docker: %w", err)
	}
	if err := pool.Client.Ping(); err != nil {
		return "", fmt.Errorf("ping docker: %w", err)
	}
	pool.MaxWait = 90 * time.Second

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=exportq",
			"POSTGRES_PASSWORD=exportq",
			"POSTGRES_DB=exportq",
			"listen_addresses='*'",
		},
	}, func(hc *dc.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = dc.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}
	_ = resource.Expire(uint(containerLifetime.Seconds()))

	dbURL := fmt.Sprintf("postgres://exportq:exportq@%s/exportq?sslmode=disable",
		resource.GetHostPort("5432/tcp"))

	err = pool.Retry(func() error {
		db, err := sql.Open("pgx", dbURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return db.Ping()
	})
	if err != nil {
		_ = pool.Purge(resource)
		return "", fmt.Errorf("postgres container never became ready: %w", err)
	}
	return dbURL, nil
}
