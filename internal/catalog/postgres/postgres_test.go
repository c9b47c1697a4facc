package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/storyturn/internal/catalog/postgres"
	"github.com/MrWong99/storyturn/internal/fault"
)

func TestCatalog(t *testing.T) {
	dsn := os.Getenv("STORYTURN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STORYTURN_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{"DROP TABLE IF EXISTS children CASCADE", "DROP TABLE IF EXISTS stories CASCADE"} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	c, err := postgres.New(ctx, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var childID, storyID int64
	if err := pool.QueryRow(ctx, `INSERT INTO children (name, birth_year) VALUES ('Mina', 2019) RETURNING id`).Scan(&childID); err != nil {
		t.Fatalf("insert child: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO stories (title, intro_question) VALUES ('Fox', 'Are you brave?') RETURNING id`).Scan(&storyID); err != nil {
		t.Fatalf("insert story: %v", err)
	}

	child, err := c.Child(ctx, childID)
	if err != nil || child.Name != "Mina" || child.BirthYear != 2019 {
		t.Errorf("Child = %+v, %v", child, err)
	}
	story, err := c.Story(ctx, storyID)
	if err != nil || story.IntroQuestion != "Are you brave?" {
		t.Errorf("Story = %+v, %v", story, err)
	}

	if _, err := c.Child(ctx, childID+100); !fault.Is(err, fault.KindNotFound) {
		t.Errorf("missing child err = %v", err)
	}
	if _, err := c.Story(ctx, storyID+100); !fault.Is(err, fault.KindNotFound) {
		t.Errorf("missing story err = %v", err)
	}
}
