package sqlite

// schema is applied on every open. Statements are idempotent.
const schema = `
-- Capacity per (event, seat class). The CHECKs are the last line behind
-- the conditional UPDATE in adjustTierSQL.
CREATE TABLE IF NOT EXISTS capacity_tiers (
	event_id TEXT NOT NULL,
	seat_class TEXT NOT NULL,
	total INTEGER NOT NULL CHECK (total >= 0),
	reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	sold INTEGER NOT NULL DEFAULT 0 CHECK (sold >= 0),
	price TEXT NOT NULL,
	currency TEXT NOT NULL,
	valid_until TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (event_id, seat_class),
	CHECK (sold + reserved <= total)
);

-- Holds. seat_number is empty for general admission.
CREATE TABLE IF NOT EXISTS seat_reservations (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	hold_key TEXT UNIQUE,
	event_id TEXT NOT NULL,
	seat_class TEXT NOT NULL,
	section TEXT NOT NULL DEFAULT '',
	seat_row TEXT NOT NULL DEFAULT '',
	seat_number TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	holder_id TEXT NOT NULL,
	holder_type TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active', 'confirmed', 'cancelled', 'expired')),
	reserved_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	resolved_at TEXT,
	payment_id TEXT,
	FOREIGN KEY (event_id, seat_class) REFERENCES capacity_tiers(event_id, seat_class)
);

-- At most one active hold per numbered seat
CREATE UNIQUE INDEX IF NOT EXISTS idx_active_seat
	ON seat_reservations(event_id, seat_class, section, seat_row, seat_number)
	WHERE status = 'active' AND seat_number <> '';

CREATE INDEX IF NOT EXISTS idx_reservations_active_expiry
	ON seat_reservations(event_id, seat_class, expires_at)
	WHERE status = 'active';

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	fingerprint TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	method TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'succeeded', 'failed', 'reversed')),
	user_id TEXT NOT NULL DEFAULT '',
	wallet_id TEXT,
	reservation_token TEXT,
	external_reference TEXT,
	failure_reason TEXT,
	payload TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	settled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_payments_status_updated ON payments(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_payments_created ON payments(created_at);
CREATE INDEX IF NOT EXISTS idx_payments_external_reference
	ON payments(external_reference) WHERE external_reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_payments_reservation
	ON payments(reservation_token) WHERE reservation_token IS NOT NULL;

-- balance is a projection of the ledger tip, guarded by version
CREATE TABLE IF NOT EXISTS wallets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	currency TEXT NOT NULL,
	balance TEXT NOT NULL,
	last_transaction_id TEXT,
	version INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id TEXT PRIMARY KEY,
	wallet_id TEXT NOT NULL REFERENCES wallets(id),
	seq INTEGER NOT NULL CHECK (seq > 0),
	tx_type TEXT NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
	amount TEXT NOT NULL,
	fee TEXT NOT NULL,
	net_amount TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	currency TEXT NOT NULL,
	reference TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL CHECK (status IN ('completed', 'failed')),
	description TEXT,
	created_at TEXT NOT NULL,
	UNIQUE (wallet_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_wallet_transactions_completed
	ON wallet_transactions(wallet_id, seq) WHERE status = 'completed';

-- The ledger is append-only
CREATE TRIGGER IF NOT EXISTS wallet_transactions_no_update
BEFORE UPDATE ON wallet_transactions
BEGIN
	SELECT RAISE(ABORT, 'wallet_transactions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS wallet_transactions_no_delete
BEFORE DELETE ON wallet_transactions
BEGIN
	SELECT RAISE(ABORT, 'wallet_transactions is append-only');
END;

CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	ticket_code TEXT NOT NULL UNIQUE,
	reservation_token TEXT NOT NULL UNIQUE REFERENCES seat_reservations(token),
	payment_id TEXT NOT NULL REFERENCES payments(id),
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	seat_class TEXT NOT NULL,
	section TEXT NOT NULL DEFAULT '',
	seat_row TEXT NOT NULL DEFAULT '',
	seat_number TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	price TEXT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active', 'used', 'cancelled', 'expired')),
	payload TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	valid_until TEXT,
	used_at TEXT,
	cancelled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_tickets_active_validity
	ON tickets(valid_until) WHERE status = 'active' AND valid_until IS NOT NULL;

-- One open flag per (kind, subject)
CREATE TABLE IF NOT EXISTS reconciliation_flags (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	internal_value TEXT NOT NULL DEFAULT '',
	external_value TEXT NOT NULL DEFAULT '',
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_open_flags
	ON reconciliation_flags(kind, subject) WHERE resolved = 0;
`

// =============================================================================
// CAPACITY
// =============================================================================

const (
	tierColumns = `event_id, seat_class, total, reserved, sold, price, currency, valid_until, created_at, updated_at`

	insertTierSQL = `
		INSERT INTO capacity_tiers (` + tierColumns + `)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, seat_class) DO UPDATE SET
			total = excluded.total,
			price = excluded.price,
			currency = excluded.currency,
			valid_until = excluded.valid_until,
			updated_at = excluded.updated_at
		WHERE capacity_tiers.sold + capacity_tiers.reserved <= excluded.total`

	selectTierSQL = `SELECT ` + tierColumns + ` FROM capacity_tiers WHERE event_id = ? AND seat_class = ?`

	listTiersSQL = `SELECT ` + tierColumns + ` FROM capacity_tiers WHERE event_id = ? ORDER BY seat_class`

	// One statement checks and applies the deltas.
	adjustTierSQL = `
		UPDATE capacity_tiers
		SET reserved = reserved + ?1, sold = sold + ?2, updated_at = ?3
		WHERE event_id = ?4 AND seat_class = ?5
		  AND reserved + ?1 >= 0
		  AND sold + ?2 >= 0
		  AND sold + ?2 + reserved + ?1 <= total`
)

// =============================================================================
// RESERVATIONS
// =============================================================================

const (
	reservationColumns = `id, token, hold_key, event_id, seat_class, section, seat_row, seat_number,
		quantity, holder_id, holder_type, status, reserved_at, expires_at, resolved_at, payment_id`

	insertReservationSQL = `INSERT INTO seat_reservations (` + reservationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectReservationSQL = `SELECT ` + reservationColumns + ` FROM seat_reservations WHERE token = ?`

	selectReservationByHoldKeySQL = `SELECT ` + reservationColumns + ` FROM seat_reservations WHERE hold_key = ?`
)

// =============================================================================
// PAYMENTS
// =============================================================================

const (
	paymentColumns = `id, idempotency_key, fingerprint, amount, currency, method, status, user_id,
		wallet_id, reservation_token, external_reference, failure_reason, payload,
		created_at, updated_at, settled_at`

	insertPaymentSQL = `INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`

	selectPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = ?`

	selectPaymentByIDSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`

	selectPaymentByExternalReferenceSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE external_reference = ? ORDER BY created_at LIMIT 1`
)

// =============================================================================
// WALLETS
// =============================================================================

const (
	walletColumns = `id, user_id, currency, balance, last_transaction_id, version, created_at, updated_at`

	insertWalletSQL = `INSERT INTO wallets (` + walletColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectWalletSQL = `SELECT ` + walletColumns + ` FROM wallets WHERE id = ?`

	listWalletsSQL = `SELECT ` + walletColumns + ` FROM wallets ORDER BY created_at, id`

	updateWalletProjectionSQL = `
		UPDATE wallets
		SET balance = ?, last_transaction_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	walletTxColumns = `id, wallet_id, seq, tx_type, direction, amount, fee, net_amount,
		balance_before, balance_after, currency, reference, status, description, created_at`

	insertWalletTxSQL = `INSERT INTO wallet_transactions (` + walletTxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	latestWalletTxSQL = `SELECT ` + walletTxColumns + ` FROM wallet_transactions
		WHERE wallet_id = ? ORDER BY seq DESC LIMIT 1`

	latestCompletedWalletTxSQL = `SELECT ` + walletTxColumns + ` FROM wallet_transactions
		WHERE wallet_id = ? AND status = 'completed' ORDER BY seq DESC LIMIT 1`

	selectWalletTxByReferenceSQL = `SELECT ` + walletTxColumns + ` FROM wallet_transactions WHERE reference = ?`

	listWalletTxSQL = `SELECT ` + walletTxColumns + ` FROM wallet_transactions
		WHERE wallet_id = ? ORDER BY seq LIMIT ? OFFSET ?`
)

// =============================================================================
// TICKETS
// =============================================================================

const (
	ticketColumns = `id, ticket_code, reservation_token, payment_id, user_id, event_id, seat_class,
		section, seat_row, seat_number, quantity, price, currency, status, payload,
		issued_at, valid_until, used_at, cancelled_at`

	insertTicketSQL = `INSERT INTO tickets (` + ticketColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectTicketSQL = `SELECT ` + ticketColumns + ` FROM tickets WHERE ticket_code = ?`

	selectTicketByReservationSQL = `SELECT ` + ticketColumns + ` FROM tickets WHERE reservation_token = ?`

	listExpiredTicketsSQL = `SELECT ` + ticketColumns + ` FROM tickets
		WHERE status = 'active' AND valid_until IS NOT NULL AND valid_until < ?
		ORDER BY valid_until LIMIT ?`
)

// =============================================================================
// RECONCILIATION FLAGS
// =============================================================================

const (
	flagColumns = `id, kind, subject, detail, internal_value, external_value, resolved, created_at`

	insertFlagSQL = `INSERT INTO reconciliation_flags (` + flagColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	hasOpenFlagSQL = `SELECT EXISTS(SELECT 1 FROM reconciliation_flags WHERE kind = ? AND subject = ? AND resolved = 0)`

	listOpenFlagsSQL = `SELECT ` + flagColumns + ` FROM reconciliation_flags WHERE resolved = 0 ORDER BY created_at, id`

	listAllFlagsSQL = `SELECT ` + flagColumns + ` FROM reconciliation_flags ORDER BY created_at, id`
)
