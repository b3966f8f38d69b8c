// Package product_repo provides the PostgreSQL product repository.
package product_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockpile/internal/core/apperror"
	"stockpile/internal/core/id"
	"stockpile/internal/domain/product"
	"stockpile/internal/infrastructure/storage/postgres"
)

const tableName = "products"

var _ product.Repository = (*ProductRepo)(nil)

// ProductRepo stores products. Queries run in the transaction from ctx when present.
type ProductRepo struct {
	txManager  *postgres.TxManager
	selectCols []string
}

// NewProductRepo creates a product repository.
func NewProductRepo(txManager *postgres.TxManager) *ProductRepo {
	return &ProductRepo{
		txManager:  txManager,
		selectCols: postgres.ExtractDBColumns[product.Product](),
	}
}

// Builder returns a squirrel builder with PostgreSQL placeholders.
func (r *ProductRepo) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *ProductRepo) insertQuery(p *product.Product) squirrel.InsertBuilder {
	data := postgres.StructToMap(p)
	return r.Builder().Insert(tableName).SetMap(data)
}

func (r *ProductRepo) updateQuery(p *product.Product) squirrel.UpdateBuilder {
	return r.Builder().
		Update(tableName).
		Set("name", p.Name).
		Set("quantity", p.Quantity).
		Set("details", p.Details).
		Set("price", p.Price).
		Set("updated_at", p.UpdatedAt).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": p.ID}).
		Where(squirrel.Eq{"version": p.Version})
}

func (r *ProductRepo) baseSelect() squirrel.SelectBuilder {
	return r.Builder().Select(r.selectCols...).From(tableName)
}

func (r *ProductRepo) listQuery(f product.ListFilter) squirrel.SelectBuilder {
	return r.baseSelect().
		OrderBy("created_at", "id").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))
}

// Create inserts p.
func (r *ProductRepo) Create(ctx context.Context, p *product.Product) error {
	sql, args, err := r.insertQuery(p).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert %s: %w", tableName, err)
	}
	return nil
}

// GetByID retrieves a product.
func (r *ProductRepo) GetByID(ctx context.Context, productID id.ID) (*product.Product, error) {
	sql, args, err := r.baseSelect().
		Where(squirrel.Eq{"id": productID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var p product.Product
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &p, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(tableName, productID.String())
		}
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return &p, nil
}

// List returns a page of products in creation order.
func (r *ProductRepo) List(ctx context.Context, f product.ListFilter) ([]*product.Product, error) {
	sql, args, err := r.listQuery(f.Normalize()).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	items := make([]*product.Product, 0)
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &items, sql, args...); err != nil {
		return nil, fmt.Errorf("list %s: %w", tableName, err)
	}
	return items, nil
}

// Update saves p if its version still matches and increments p.Version.
func (r *ProductRepo) Update(ctx context.Context, p *product.Product) error {
	sql, args, err := r.updateQuery(p).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", tableName, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrentModification(tableName, p.ID)
	}

	p.Version++
	return nil
}

// Delete removes a product.
func (r *ProductRepo) Delete(ctx context.Context, productID id.ID) error {
	sql, args, err := r.Builder().
		Delete(tableName).
		Where(squirrel.Eq{"id": productID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", tableName, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound(tableName, productID.String())
	}
	return nil
}
