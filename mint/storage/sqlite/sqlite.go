// Package sqlite implements storage.MintDB on top of database/sql and
// mattn/go-sqlite3, with schema migrations applied through
// golang-migrate.
package sqlite

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/cashu/nuts/nut04"
	"github.com/duskmint/duskmint/cashu/nuts/nut05"
	"github.com/duskmint/duskmint/crypto"
	"github.com/duskmint/duskmint/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	sqlite3 "github.com/mattn/go-sqlite3"
)

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path, migrationPath string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationPath), fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() {
	sqlite.db.Close()
}

func (sqlite *SQLiteDB) GetBalance() (uint64, error) {
	var issued, redeemed uint64
	row := sqlite.db.QueryRow(`
		SELECT
			(SELECT COALESCE(SUM(amount), 0) FROM blind_signatures),
			(SELECT COALESCE(SUM(amount), 0) FROM proofs)
	`)
	if err := row.Scan(&issued, &redeemed); err != nil {
		return 0, err
	}
	return issued - redeemed, nil
}

func (sqlite *SQLiteDB) GetIssuedByKeyset() (map[string]uint64, error) {
	rows, err := sqlite.db.Query("SELECT keyset_id, COALESCE(SUM(amount), 0) FROM blind_signatures GROUP BY keyset_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	issued := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		issued[keysetId] = amount
	}
	return issued, nil
}

func (sqlite *SQLiteDB) GetRedeemedByKeyset() (map[string]uint64, error) {
	rows, err := sqlite.db.Query("SELECT keyset_id, COALESCE(SUM(amount), 0) FROM proofs GROUP BY keyset_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	redeemed := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		redeemed[keysetId] = amount
	}
	return redeemed, nil
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`
	INSERT INTO seed (id, seed) VALUES (?, ?)
	`, "id", hexSeed)

	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	err := row.Scan(&hexSeed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, derivation_path, generation, input_fee_ppk) VALUES (?, ?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.DerivationPath, keyset.Generation, keyset.InputFeePpk)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query("SELECT id, unit, active, derivation_path, generation, input_fee_ppk FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.DerivationPath,
			&keyset.Generation,
			&keyset.InputFeePpk,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, nil
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrNotFound
	}
	return nil
}

// isUniqueConstraintErr reports whether err is a sqlite unique or
// primary-key constraint violation, i.e. an insert collided with an
// existing row.
func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// MarkProofsSpent inserts every proof's Y value into the spent set inside
// a single transaction. A unique-constraint violation on any row means
// one of the proofs was already spent, and the whole batch is rolled
// back atomically: a swap or melt either consumes all of its inputs or
// none of them.
func (sqlite *SQLiteDB) MarkProofsSpent(proofs cashu.Proofs) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C); err != nil {
			if isUniqueConstraintErr(err) {
				return storage.ErrProofAlreadySpent
			}
			return err
		}
	}

	return tx.Commit()
}

// SpendProofsAndSaveSignatures marks the given inputs spent and persists
// the outputs' blind signatures inside a single transaction: a swap
// either records both halves or neither, so a
// failure partway through never burns proofs without also recording what
// was issued for them. outputs and signatures must be the same length
// and index-aligned.
func (sqlite *SQLiteDB) SpendProofsAndSaveSignatures(inputs cashu.Proofs, outputs cashu.BlindedMessages, signatures cashu.BlindedSignatures) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	spendStmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer spendStmt.Close()

	for _, proof := range inputs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := spendStmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C); err != nil {
			if isUniqueConstraintErr(err) {
				return storage.ErrProofAlreadySpent
			}
			return err
		}
	}

	sigStmt, err := tx.Prepare("INSERT INTO blind_signatures (b_, c_, keyset_id, amount) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer sigStmt.Close()

	for i, output := range outputs {
		sig := signatures[i]
		if _, err := sigStmt.Exec(output.B_, sig.C_, sig.Id, sig.Amount); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UnmarkProofsSpent deletes the given proofs' Y values from the spent
// set inside a single transaction, undoing MarkProofsSpent. Used only
// when a melt's Lightning payment definitively fails after proofs were
// provisionally spent.
func (sqlite *SQLiteDB) UnmarkProofsSpent(proofs cashu.Proofs) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM proofs WHERE y = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		if _, err := stmt.Exec(Yhex); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return nil, nil
	}

	proofs := []storage.DBProof{}
	query := `SELECT y, amount, keyset_id, secret, c FROM proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`

	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
		)
		if err != nil {
			return nil, err
		}

		proofs = append(proofs, proof)
	}

	return proofs, nil
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
	)

	return err
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, payment_request, payment_hash, amount, state, expiry FROM mint_quotes WHERE id = ?", quoteId)

	var mintQuote storage.MintQuote
	var state string

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MintQuote{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)

	return mintQuote, nil
}

// UpdateMintQuoteState performs a compare-and-swap: the row only advances
// if it is currently in expected. Zero rows affected is ambiguous between
// "quote does not exist" and "someone already moved it", so it is looked
// up again to tell the two apart.
func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, expected, next nut04.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		next.String(), quoteId, expected.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}

	if _, err := sqlite.GetMintQuote(quoteId); err != nil {
		return err
	}
	return storage.ErrQuoteStateConflict
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, fee_reserve, state, expiry, preimage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
	)

	return err
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage FROM melt_quotes WHERE id = ?",
		quoteId)

	var meltQuote storage.MeltQuote
	var state string

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&meltQuote.Preimage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MeltQuote{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)

	return meltQuote, nil
}

// UpdateMeltQuote performs the melt-quote equivalent of
// UpdateMintQuoteState's compare-and-swap, additionally recording the
// Lightning payment preimage once one is known.
func (sqlite *SQLiteDB) UpdateMeltQuote(quoteId, preimage string, expected, next nut05.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ? WHERE id = ? AND state = ?",
		next.String(), preimage, quoteId, expected.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}

	if _, err := sqlite.GetMeltQuote(quoteId); err != nil {
		return err
	}
	return storage.ErrQuoteStateConflict
}

func (sqlite *SQLiteDB) GetPendingMeltQuotes() ([]storage.MeltQuote, error) {
	rows, err := sqlite.db.Query(
		"SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage FROM melt_quotes WHERE state = ?",
		nut05.Pending.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []storage.MeltQuote{}
	for rows.Next() {
		var meltQuote storage.MeltQuote
		var state string
		if err := rows.Scan(
			&meltQuote.Id,
			&meltQuote.InvoiceRequest,
			&meltQuote.PaymentHash,
			&meltQuote.Amount,
			&meltQuote.FeeReserve,
			&state,
			&meltQuote.Expiry,
			&meltQuote.Preimage,
		); err != nil {
			return nil, err
		}
		meltQuote.State = nut05.StringToState(state)
		quotes = append(quotes, meltQuote)
	}

	return quotes, nil
}

// SaveMeltQuoteProofs records the proofs spent for a melt quote so the
// reconciler can find them again if the payment must be unwound.
func (sqlite *SQLiteDB) SaveMeltQuoteProofs(quoteId string, proofs cashu.Proofs) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO melt_quote_proofs (quote_id, amount, keyset_id, secret, c) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		if _, err := stmt.Exec(quoteId, proof.Amount, proof.Id, proof.Secret, proof.C); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetMeltQuoteProofs(quoteId string) (cashu.Proofs, error) {
	rows, err := sqlite.db.Query(
		"SELECT amount, keyset_id, secret, c FROM melt_quote_proofs WHERE quote_id = ?", quoteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs := cashu.Proofs{}
	for rows.Next() {
		var proof cashu.Proof
		if err := rows.Scan(&proof.Amount, &proof.Id, &proof.Secret, &proof.C); err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}

	return proofs, nil
}

func (sqlite *SQLiteDB) ExpireQuotes(cutoff int64) (int, int, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	mintResult, err := tx.Exec(
		"UPDATE mint_quotes SET state = ? WHERE state = ? AND expiry < ?",
		nut04.Expired.String(), nut04.Unpaid.String(), cutoff,
	)
	if err != nil {
		return 0, 0, err
	}
	mintCount, err := mintResult.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	meltResult, err := tx.Exec(
		"UPDATE melt_quotes SET state = ? WHERE state = ? AND expiry < ?",
		nut05.Expired.String(), nut05.Unpaid.String(), cutoff,
	)
	if err != nil {
		return 0, 0, err
	}
	meltCount, err := meltResult.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}

	return int(mintCount), int(meltCount), nil
}

func (sqlite *SQLiteDB) SaveBlindSignature(B_ string, blindSignature cashu.BlindedSignature) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO blind_signatures (b_, c_, keyset_id, amount) VALUES (?, ?, ?, ?)`,
		B_,
		blindSignature.C_,
		blindSignature.Id,
		blindSignature.Amount,
	)
	return err
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := sqlite.db.QueryRow("SELECT amount, c_, keyset_id FROM blind_signatures WHERE b_ = ?", B_)

	var signature cashu.BlindedSignature
	err := row.Scan(&signature.Amount, &signature.C_, &signature.Id)
	if errors.Is(err, sql.ErrNoRows) {
		return cashu.BlindedSignature{}, storage.ErrNotFound
	}
	if err != nil {
		return cashu.BlindedSignature{}, err
	}

	return signature, nil
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return nil, nil
	}

	signatures := cashu.BlindedSignatures{}
	query := `SELECT amount, c_, keyset_id FROM blind_signatures WHERE b_ in (?` + strings.Repeat(",?", len(B_s)-1) + `)`

	args := make([]any, len(B_s))
	for i, B_ := range B_s {
		args[i] = B_
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var signature cashu.BlindedSignature
		if err := rows.Scan(&signature.Amount, &signature.C_, &signature.Id); err != nil {
			return nil, err
		}
		signatures = append(signatures, signature)
	}

	return signatures, nil
}
