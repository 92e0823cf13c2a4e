package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo reads current variant prices. Prices always come from here, never from
// the client request.
type Repo struct{ DB *pgxpool.Pool }

// Prices returns price_cents per variant id. Variants missing from the result
// do not exist (or are no longer sellable).
func (r *Repo) Prices(ctx context.Context, variantIDs []string) (map[string]int, error) {
	if len(variantIDs) == 0 {
		return map[string]int{}, nil
	}
	args := make([]any, 0, len(variantIDs))
	params := ""
	for i, id := range variantIDs {
		if i > 0 {
			params += ","
		}
		params += fmt.Sprintf("$%d", i+1)
		args = append(args, id)
	}
	rows, err := r.DB.Query(ctx, `SELECT variant_id, price_cents FROM variants WHERE active AND variant_id IN (`+params+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int, len(variantIDs))
	for rows.Next() {
		var id string
		var price int
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		out[id] = price
	}
	return out, rows.Err()
}
