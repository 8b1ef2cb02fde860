package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/repository"
	pg "catalog-billing/internal/infra/db/postgres"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	// ---- Config ----
	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect Postgres
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 4)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	coupons := pg.NewCouponRepo(pool)

	// Sample coupons for exercising the discount and zero-amount paths
	ten := 10
	seed := []struct {
		Code    string
		Type    model.DiscountType
		Value   int64
		MaxUses *int
	}{
		{"WELCOME10", model.DiscountPercentage, 10, nil},
		{"SPRING20", model.DiscountPercentage, 20, &ten},
		{"MINUS50K", model.DiscountFixed, 5_000_000, nil},
		{"FREEPASS", model.DiscountPercentage, 100, &ten},
	}

	now := time.Now().UTC()
	for _, s := range seed {
		existing, err := coupons.FindByCode(ctx, repository.NoTX, s.Code)
		if err == nil {
			fmt.Printf("exists: %s (id=%s, used=%d)\n", existing.Code, existing.ID, existing.UsedCount)
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			log.Fatalf("lookup coupon %q: %v", s.Code, err)
		}
		c := &model.Coupon{
			ID:            uuid.NewString(),
			Code:          model.NormalizeCouponCode(s.Code),
			DiscountType:  s.Type,
			DiscountValue: s.Value,
			MaxUses:       s.MaxUses,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := coupons.Save(ctx, repository.NoTX, c); err != nil {
			log.Fatalf("create coupon %q: %v", s.Code, err)
		}
		fmt.Printf("seeded: %s (id=%s, %s %d)\n", c.Code, c.ID, c.DiscountType, c.DiscountValue)
	}

	fmt.Println("Seeding complete.")
}
