// Package repository содержит реализацию доступа к удалённому хранилищу
// документов в PostgreSQL: каталог товаров и заказы.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/nkomilov/storefront-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ с указанным идентификатором не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrStatusConflict возвращается при попытке перевести заказ,
	// уже находящийся в терминальном статусе.
	ErrStatusConflict = errors.New("order already in terminal status")
)

// submittedSpellings — все написания нетерминального статуса, встречающиеся
// в исторических документах. Условная запись должна принимать любое из них.
var submittedSpellings = []string{"submitted", "pending", "pending_verification"}

// PostgresRepository предоставляет доступ к каталогу и заказам в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сериализационных и сетевых ошибках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(1*time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const productColumns = `id, title, category, price, old_price, images, variants, created_at`

// ListProductsOrdered возвращает каталог, отсортированный по времени создания
// по убыванию. Первый источник цепочки деградации кэша.
func (r *PostgresRepository) ListProductsOrdered(ctx context.Context) ([]model.Product, error) {
	return r.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY created_at DESC`)
}

// ListProductsUnordered возвращает каталог без сортировки. Запасной запрос
// на случай, когда поле или индекс сортировки недоступны.
func (r *PostgresRepository) ListProductsUnordered(ctx context.Context) ([]model.Product, error) {
	return r.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products`)
}

func (r *PostgresRepository) queryProducts(ctx context.Context, query string) ([]model.Product, error) {
	var products []model.Product

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("select products: %w", err)
		}
		defer rows.Close()

		products = products[:0]
		for rows.Next() {
			var (
				p        model.Product
				images   []byte
				variants []byte
			)
			if err := rows.Scan(&p.ID, &p.Title, &p.Category, &p.Price, &p.OldPrice, &images, &variants, &p.CreatedAt); err != nil {
				return fmt.Errorf("scan product: %w", err)
			}
			if err := json.Unmarshal(images, &p.Images); err != nil {
				return fmt.Errorf("unmarshal images: %w", err)
			}
			if err := json.Unmarshal(variants, &p.Variants); err != nil {
				return fmt.Errorf("unmarshal variants: %w", err)
			}
			products = append(products, p)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return products, nil
}

// SaveProduct создаёт или обновляет товар каталога.
func (r *PostgresRepository) SaveProduct(ctx context.Context, p *model.Product) error {
	images, err := json.Marshal(p.Images)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	variants, err := json.Marshal(p.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO products (id, title, category, price, old_price, images, variants)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   title = EXCLUDED.title,
			   category = EXCLUDED.category,
			   price = EXCLUDED.price,
			   old_price = EXCLUDED.old_price,
			   images = EXCLUDED.images,
			   variants = EXCLUDED.variants`,
			p.ID, p.Title, p.Category, p.Price, p.OldPrice, images, variants,
		)
		if err != nil {
			return fmt.Errorf("upsert product: %w", err)
		}
		return nil
	})
}

const orderColumns = `id, identity_key, buyer_name, buyer_phone, items, subtotal, total,
	payment, status, receipt_url, reject_reason, delivery, address, created_at, updated_at`

// CreateOrder сохраняет новый заказ. Временные метки назначает сервер БД;
// присвоенные значения записываются обратно в переданный заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	items, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	delivery, err := json.Marshal(o.Delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	address, err := json.Marshal(o.Address)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO orders (id, identity_key, buyer_name, buyer_phone, items, subtotal, total,
			                     payment, status, receipt_url, delivery, address)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING created_at, updated_at`,
			o.ID, o.IdentityKey, o.Contact.Name, o.Contact.Phone, items, o.Subtotal, o.Total,
			o.Payment, string(o.Status), o.ReceiptURL, delivery, address,
		).Scan(&o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

		o, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// ListOrdersByIdentity возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) ListOrdersByIdentity(ctx context.Context, identityKey string) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE identity_key = $1 ORDER BY created_at DESC`,
		identityKey)
}

// ListOrdersByStatus возвращает заказы в указанном статусе, новые первыми.
// Для нетерминального статуса учитываются все исторические написания.
func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	if status == model.OrderStatusSubmitted {
		return r.queryOrders(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE status = ANY($1) ORDER BY created_at DESC`,
			submittedSpellings)
	}
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at DESC`,
		string(status))
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	var orders []model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select orders: %w", err)
		}
		defer rows.Close()

		orders = orders[:0]
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return err
			}
			orders = append(orders, *o)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o         model.Order
		rawStatus string
		items     []byte
		delivery  []byte
		address   []byte
	)

	err := row.Scan(&o.ID, &o.IdentityKey, &o.Contact.Name, &o.Contact.Phone, &items,
		&o.Subtotal, &o.Total, &o.Payment, &rawStatus, &o.ReceiptURL, &o.RejectReason,
		&delivery, &address, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if err := json.Unmarshal(items, &o.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(delivery, &o.Delivery); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	if err := json.Unmarshal(address, &o.Address); err != nil {
		return nil, fmt.Errorf("unmarshal address: %w", err)
	}

	o.Status = model.NormalizeStatus(rawStatus)
	return &o, nil
}

// TransitionOrderStatus переводит заказ в новый статус условной записью:
// строка обновляется только если текущий статус нетерминален. Возвращает
// предыдущий статус заказа. Для уже терминального заказа возвращается
// ErrStatusConflict, для отсутствующего — ErrOrderNotFound; двойное
// нажатие «принять» или запоздалый «отказ» не перезаписывают решение.
func (r *PostgresRepository) TransitionOrderStatus(ctx context.Context, id string, status model.OrderStatus, rejectReason string) (model.OrderStatus, error) {
	var previous model.OrderStatus

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var rawPrevious string
		err = tx.QueryRow(ctx,
			`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id,
		).Scan(&rawPrevious)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("select order status: %w", err)
		}

		previous = model.NormalizeStatus(rawPrevious)
		if previous.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrStatusConflict, previous)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, reject_reason = $3, updated_at = now() WHERE id = $1`,
			id, string(status), rejectReason,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return previous, nil
}
