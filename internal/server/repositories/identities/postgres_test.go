package identities

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var identityCols = []string{"id", "email", "email_verified", "password_hash", "password_salt",
	"created_at", "last_sign_in_at", "disabled", "last_verification_sent_at"}

const (
	qInsert     = `(?s)^INSERT\s+INTO\s+identities\s*\(id,\s*email,\s*email_verified,\s*password_hash,\s*password_salt\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5\)\s*RETURNING\s+created_at\s*$`
	qGetByID    = `(?s)^SELECT\s+id,.*\s+FROM\s+identities\s+WHERE\s+id\s*=\s*\$1$`
	qGetByEmail = `(?s)^SELECT\s+id,.*\s+FROM\s+identities\s+WHERE\s+email\s*=\s*\$1$`
	qList       = `(?s)^SELECT\s+id,.*\s+FROM\s+identities\s+WHERE\s+id\s*>\s*\$1\s+ORDER\s+BY\s+id\s+LIMIT\s+\$2$`
	qConsume    = `(?s)^UPDATE\s+verification_codes\s+SET\s+used_at\s*=\s*\$2\s+WHERE\s+code\s*=\s*\$1\s+AND\s+used_at\s+IS\s+NULL\s+AND\s+expires_at\s*>\s*\$2\s+RETURNING\s+identity_id\s*$`
)

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(qInsert).
		WithArgs("u-1", "a@x.is", false, []byte("hash"), []byte("salt")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	got, err := repo.Create(context.Background(), &models.Identity{
		ID: "u-1", Email: "a@x.is", PasswordHash: []byte("hash"), PasswordSalt: []byte("salt"),
	})
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.True(t, got.CreatedAt.Equal(created))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_GeneratesID(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qInsert).
		WithArgs(sqlmock.AnyArg(), "a@x.is", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	got, err := repo.Create(context.Background(), &models.Identity{Email: "a@x.is"})
	require.NoError(t, err)
	_, err = uuid.Parse(got.ID)
	assert.NoError(t, err)
}

func TestCreate_DuplicateEmail(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qInsert).WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.Create(context.Background(), &models.Identity{ID: "u-1", Email: "a@x.is"})
	if !errors.Is(err, common.ErrAlreadyExists) {
		t.Fatalf("want common.ErrAlreadyExists, got %v", err)
	}
}

func TestCreate_DBErrorIsTransient(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qInsert).WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.Identity{ID: "u-1", Email: "a@x.is"})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
	assert.True(t, common.IsTransient(err))
}

func TestGetByID_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	signIn := created.Add(time.Hour)
	mock.ExpectQuery(qGetByID).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow("u-1", "a@x.is", true, []byte("h"), []byte("s"), created, signIn, false, nil))

	got, err := repo.GetByID(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.is", got.Email)
	assert.True(t, got.EmailVerified)
	require.NotNil(t, got.LastSignInAt)
	assert.True(t, got.LastSignInAt.Equal(signIn))
	assert.Nil(t, got.LastVerificationSentAt)
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qGetByID).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "ghost")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestGetByEmail_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qGetByEmail).
		WithArgs("a@x.is").
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow("u-1", "a@x.is", false, []byte("h"), []byte("s"), time.Now(), nil, true, nil))

	got, err := repo.GetByEmail(context.Background(), "a@x.is")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.True(t, got.Disabled)
}

func TestList_StartsFromNilUUID(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(qList).
		WithArgs(uuid.Nil.String(), 2).
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow("a", "a@x.is", false, []byte{}, []byte{}, now, nil, false, nil).
			AddRow("b", "b@x.is", true, []byte{}, []byte{}, now, nil, false, nil))

	got, err := repo.List(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)
}

func TestList_QueryError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qList).WithArgs("a", 10).WillReturnError(errors.New("timeout"))

	_, err := repo.List(context.Background(), "a", 10)
	require.Error(t, err)
	assert.True(t, common.IsTransient(err))
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+identities\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("u-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), "u-1"))
}

func TestUpdates_MissingRowIsNotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()
	at := time.Now()

	mock.ExpectExec(`UPDATE\s+identities\s+SET\s+last_sign_in_at`).WithArgs("u-1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE\s+identities\s+SET\s+email_verified`).WithArgs("u-1", true).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE\s+identities\s+SET\s+last_verification_sent_at`).WithArgs("ghost", at).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.UpdateLastSignIn(context.Background(), "u-1", at))
	require.NoError(t, repo.SetEmailVerified(context.Background(), "u-1", true))
	err := repo.MarkVerificationSent(context.Background(), "ghost", at)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCode(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	exp := time.Now().Add(time.Hour)
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+verification_codes`).
		WithArgs("c0de", "u-1", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateCode(context.Background(), &models.VerificationCode{Code: "c0de", IdentityID: "u-1", ExpiresAt: exp}))
}

func TestConsumeCode(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()
	now := time.Now()

	mock.ExpectQuery(qConsume).WithArgs("good", now).
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}).AddRow("u-1"))
	mock.ExpectQuery(qConsume).WithArgs("used", now).WillReturnError(sql.ErrNoRows)

	id, err := repo.ConsumeCode(context.Background(), "good", now)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)

	_, err = repo.ConsumeCode(context.Background(), "used", now)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
