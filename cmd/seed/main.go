package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0t4v14n0/medmais-scheduling/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	unitIDs, err := seedUnits(context.Background(), pool, 5)
	if err != nil {
		log.Fatalf("seed units: %v", err)
	}
	if err := seedPractitioners(context.Background(), pool, unitIDs, 40); err != nil {
		log.Fatalf("seed practitioners: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedUnits(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d units", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.City() + " Clinic"
		address := gofakeit.Street() + ", " + gofakeit.City()

		_, err := tx.Exec(ctx, `
			INSERT INTO units (id, name, address, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, address)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("units seeded")
	return ids, nil
}

func seedPractitioners(ctx context.Context, pool *pgxpool.Pool, unitIDs []uuid.UUID, count int) error {
	log.Printf("seeding %d practitioners", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}
	slotMinutes := []int{20, 30, 45, 60}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO practitioners (id, name, specialties, active, created_at, updated_at)
			VALUES ($1, $2, $3, TRUE, now(), now())
		`, id, name, []string{spec})
		if err != nil {
			return err
		}

		// One or two units each, with a weekday morning/afternoon template
		affiliations := 1 + gofakeit.Number(0, 1)
		for _, unitID := range pickUnits(unitIDs, affiliations) {
			duration := slotMinutes[gofakeit.Number(0, len(slotMinutes)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO practitioner_units (practitioner_id, unit_id, slot_minutes, active)
				VALUES ($1, $2, $3, TRUE)
			`, id, unitID, duration)
			if err != nil {
				return err
			}

			for weekday := 1; weekday <= 5; weekday++ {
				_, err := tx.Exec(ctx, `
					INSERT INTO practitioner_schedules (practitioner_id, unit_id, weekday, start_minute, end_minute)
					VALUES ($1, $2, $3, $4, $5), ($1, $2, $3, $6, $7)
				`, id, unitID, weekday, 8*60, 12*60, 13*60, 17*60)
				if err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("practitioners seeded")
	return nil
}

func pickUnits(unitIDs []uuid.UUID, n int) []uuid.UUID {
	if n >= len(unitIDs) {
		return unitIDs
	}
	start := gofakeit.Number(0, len(unitIDs)-n)
	return unitIDs[start : start+n]
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Println("patients seeded")
	return nil
}
