package db

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
)

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		execErr error
		wantErr bool
	}{
		{name: "creates table"},
		{name: "propagates failure", execErr: errors.New("permission denied for database"), wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("failed to create pgx mock: %v", err)
			}
			defer mock.Close()

			exp := mock.ExpectExec(`CREATE TABLE IF NOT EXISTS confbridge\.documents`)
			if tc.execErr != nil {
				exp.WillReturnError(tc.execErr)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
			}

			err = EnsureSchema(context.Background(), mock)
			if (err != nil) != tc.wantErr {
				t.Fatalf("wantErr=%v, got %v", tc.wantErr, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}
