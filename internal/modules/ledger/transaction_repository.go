package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/domain"
)

// transactionColumns is the list of columns for the transactions table
// Used to avoid SELECT * which can break when schema changes
// Column order must match the scan functions below
const transactionColumns = `id, user_id, external_id, symbol, side, quantity, price, commission, transaction_date, lot_id, notes, created_at, updated_at`

// TransactionRepository handles transaction database operations
type TransactionRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(ledgerDB *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "transaction").Logger(),
	}
}

// CreateTx inserts a new transaction inside an existing SQL transaction and
// returns its id. Rows are append-only; there is no update or delete path.
func (r *TransactionRepository) CreateTx(tx *sql.Tx, t domain.Transaction) (int64, error) {
	now := time.Now().Unix()

	query := `
		INSERT INTO transactions
		(user_id, external_id, symbol, side, quantity, price, commission,
		 transaction_date, lot_id, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := tx.Exec(query,
		t.UserID,
		nullString(t.ExternalID),
		domain.NormalizeSymbol(t.Symbol),
		string(t.Side),
		t.Quantity,
		t.Price,
		t.Commission,
		t.TransactionDate.Format(domain.DateFormat),
		nullInt64Ptr(t.LotID),
		t.Notes,
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create transaction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction id: %w", err)
	}

	return id, nil
}

// SetLotIDTx links a BUY transaction to the lot it opened
func (r *TransactionRepository) SetLotIDTx(tx *sql.Tx, transactionID, lotID int64) error {
	query := "UPDATE transactions SET lot_id = ?, updated_at = ? WHERE id = ?"
	if _, err := tx.Exec(query, lotID, time.Now().Unix(), transactionID); err != nil {
		return fmt.Errorf("failed to set lot id on transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by id
func (r *TransactionRepository) GetByID(id int64) (*domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE id = ?"

	row := r.ledgerDB.QueryRow(query, id)
	t, err := scanTransactionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}

	return &t, nil
}

// GetByExternalID retrieves a transaction by its per-account idempotency key
func (r *TransactionRepository) GetByExternalID(userID, externalID string) (*domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE user_id = ? AND external_id = ?"

	row := r.ledgerDB.QueryRow(query, userID, externalID)
	t, err := scanTransactionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by external id: %w", err)
	}

	return &t, nil
}

// List retrieves transactions for an account, most recent first. An empty
// symbol matches all symbols.
func (r *TransactionRepository) List(userID, symbol string, limit int) ([]domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE user_id = ?"
	args := []interface{}{userID}

	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, domain.NormalizeSymbol(symbol))
	}

	query += " ORDER BY transaction_date DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		t, err := scanTransactionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

// LastTransactionDate returns the date of the most recent transaction (BUY
// or SELL) touching the symbol
func (r *TransactionRepository) LastTransactionDate(userID, symbol string) (*time.Time, error) {
	query := `
		SELECT MAX(transaction_date) FROM transactions
		WHERE user_id = ? AND symbol = ?
	`

	var last sql.NullString
	err := r.ledgerDB.QueryRow(query, userID, domain.NormalizeSymbol(symbol)).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to get last transaction date: %w", err)
	}

	if !last.Valid {
		return nil, nil
	}

	t, err := time.Parse(domain.DateFormat, last.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last transaction date: %w", err)
	}

	return &t, nil
}

// Helper methods

func scanTransactionRow(row *sql.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var externalID sql.NullString
	var lotID sql.NullInt64
	var txDate string
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&externalID,
		&t.Symbol,
		&t.Side,
		&t.Quantity,
		&t.Price,
		&t.Commission,
		&txDate,
		&lotID,
		&t.Notes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return t, err
	}

	return finishTransactionScan(t, externalID, lotID, txDate, createdAt, updatedAt)
}

func scanTransactionRows(rows *sql.Rows) (domain.Transaction, error) {
	var t domain.Transaction
	var externalID sql.NullString
	var lotID sql.NullInt64
	var txDate string
	var createdAt, updatedAt int64

	err := rows.Scan(
		&t.ID,
		&t.UserID,
		&externalID,
		&t.Symbol,
		&t.Side,
		&t.Quantity,
		&t.Price,
		&t.Commission,
		&txDate,
		&lotID,
		&t.Notes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return t, err
	}

	return finishTransactionScan(t, externalID, lotID, txDate, createdAt, updatedAt)
}

func finishTransactionScan(t domain.Transaction, externalID sql.NullString, lotID sql.NullInt64, txDate string, createdAt, updatedAt int64) (domain.Transaction, error) {
	parsed, err := time.Parse(domain.DateFormat, txDate)
	if err != nil {
		return t, fmt.Errorf("invalid transaction_date %q: %w", txDate, err)
	}
	t.TransactionDate = parsed

	if externalID.Valid {
		t.ExternalID = externalID.String
	}
	if lotID.Valid {
		t.LotID = &lotID.Int64
	}

	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	t.Symbol = domain.NormalizeSymbol(t.Symbol)

	return t, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
