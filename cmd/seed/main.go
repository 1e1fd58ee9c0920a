package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/db"
	"github.com/hackgods/telehealth-booking/internal/logging"
)

func main() {
	doctors := flag.Int("doctors", 20, "number of doctors to seed")
	patients := flag.Int("patients", 500, "number of patients to seed")
	tokens := flag.Int("tokens", 3, "bearer tokens to print per role")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of printed tokens")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	_ = gofakeit.Seed(0)

	doctorIDs, err := seedContacts(ctx, pool, logger, auth.RoleDoctor, *doctors)
	if err != nil {
		logger.Fatal("seed doctors", zap.Error(err))
	}
	patientIDs, err := seedContacts(ctx, pool, logger, auth.RolePatient, *patients)
	if err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}
	adminIDs, err := seedContacts(ctx, pool, logger, auth.RoleAdmin, 1)
	if err != nil {
		logger.Fatal("seed admin", zap.Error(err))
	}

	logger.Info("seed complete", zap.Int("doctors", len(doctorIDs)), zap.Int("patients", len(patientIDs)))

	for _, group := range []struct {
		role auth.Role
		ids  []uuid.UUID
	}{
		{auth.RoleDoctor, doctorIDs},
		{auth.RolePatient, patientIDs},
		{auth.RoleAdmin, adminIDs},
	} {
		for i := 0; i < *tokens && i < len(group.ids); i++ {
			tok, err := auth.IssueToken(cfg.JWTSecret, cfg.JWTIssuer, auth.Actor{ID: group.ids[i], Role: group.role}, *tokenTTL)
			if err != nil {
				logger.Fatal("issue token", zap.Error(err))
			}
			fmt.Printf("%s\t%s\t%s\n", group.role, group.ids[i], tok)
		}
	}
}

func seedContacts(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, role auth.Role, count int) ([]uuid.UUID, error) {
	logger.Info("seeding contacts", zap.String("role", string(role)), zap.Int("count", count))

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			if role == auth.RoleDoctor {
				name = gofakeit.LastName()
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO contacts (id, role, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now(), now())
			`, id, string(role), name, gofakeit.Email(), "+1"+gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		logger.Debug("contacts seeded", zap.String("role", string(role)), zap.Int("done", end), zap.Int("total", count))
	}

	return ids, nil
}
