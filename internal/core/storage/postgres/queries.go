package postgres

// SQL for the transaction log, record snapshots, field locks and analytics
// buckets.

const (
	// queryInsertTransaction appends one log entry. The primary key makes
	// retried appends idempotent: ON CONFLICT DO NOTHING affects zero rows
	// for a duplicate ID.
	queryInsertTransaction = `
		INSERT INTO transactions (
			id, partition_id, resource, entity_id, field, field_path,
			operation, value, ts,
			cohort_hour, cohort_date, cohort_week, cohort_month, applied
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	// queryPendingForEntity drives one consolidation pass. Index-backed
	// range scan over (resource, field, entity_id, applied).
	queryPendingForEntity = `
		SELECT
			id, resource, entity_id, field, field_path,
			operation, value, ts,
			cohort_hour, cohort_date, cohort_week, cohort_month, applied
		FROM transactions
		WHERE resource = $1 AND field = $2 AND entity_id = $3 AND applied = FALSE
		ORDER BY ts ASC, id ASC
	`

	// queryEntitiesWithPending feeds the sweep scheduler.
	queryEntitiesWithPending = `
		SELECT DISTINCT entity_id
		FROM transactions
		WHERE resource = $1 AND field = $2 AND applied = FALSE
		ORDER BY entity_id ASC
	`

	queryAllForEntity = `
		SELECT
			id, resource, entity_id, field, field_path,
			operation, value, ts,
			cohort_hour, cohort_date, cohort_week, cohort_month, applied
		FROM transactions
		WHERE resource = $1 AND field = $2 AND entity_id = $3
		ORDER BY ts ASC, id ASC
	`

	// queryMarkApplied flips exactly one pending entry. The applied guard
	// keeps a replayed mark from double-counting.
	queryMarkApplied = `
		UPDATE transactions
		SET applied = TRUE
		WHERE id = $1 AND applied = FALSE
	`

	// queryAppliedBefore selects garbage collection candidates. Pending
	// entries are never eligible regardless of age.
	queryAppliedBefore = `
		SELECT id
		FROM transactions
		WHERE resource = $1 AND field = $2 AND applied = TRUE AND ts < $3
		ORDER BY ts ASC
		LIMIT $4
	`

	queryDeleteTransaction = `DELETE FROM transactions WHERE id = $1`

	// queryGetRecordField reads one dotted field path out of the record's
	// attrs document. NULL means the record exists but the path is unset.
	queryGetRecordField = `
		SELECT attrs #>> string_to_array($3, '.')
		FROM records
		WHERE resource = $1 AND entity_id = $2
	`

	// querySetRecordField writes the materialized value at the field path.
	// Zero rows affected means the record does not exist.
	querySetRecordField = `
		UPDATE records
		SET attrs = jsonb_set(attrs, string_to_array($3, '.'), to_jsonb($4::numeric), TRUE),
		    updated_at = NOW()
		WHERE resource = $1 AND entity_id = $2
	`

	// queryEnsureRecord creates an empty record if absent.
	queryEnsureRecord = `
		INSERT INTO records (resource, entity_id, attrs, updated_at)
		VALUES ($1, $2, '{}'::jsonb, NOW())
		ON CONFLICT (resource, entity_id) DO NOTHING
	`

	// queryInsertLock is the conditional create-if-absent the lock manager
	// is built on. Zero rows affected means the key is already held.
	queryInsertLock = `
		INSERT INTO field_locks (key, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`

	queryGetLock = `
		SELECT key, owner, acquired_at, expires_at
		FROM field_locks
		WHERE key = $1
	`

	queryDeleteOwnedLock = `DELETE FROM field_locks WHERE key = $1 AND owner = $2`

	queryDeleteExpiredLock = `DELETE FROM field_locks WHERE key = $1 AND expires_at < $2`

	// queryUpsertBucket merges one per-hour delta atomically. Concurrent
	// consolidations of different entities may land on the same hour, so
	// the merge happens inside the statement, never read-modify-write in Go.
	queryUpsertBucket = `
		INSERT INTO analytics_buckets (
			resource, field, period, cohort,
			txn_count, total, min_value, max_value,
			set_count, set_sum, add_count, add_sum, sub_count, sub_sum,
			entity_count, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (resource, field, period, cohort) DO UPDATE SET
			txn_count    = analytics_buckets.txn_count + EXCLUDED.txn_count,
			total        = analytics_buckets.total + EXCLUDED.total,
			min_value    = LEAST(analytics_buckets.min_value, EXCLUDED.min_value),
			max_value    = GREATEST(analytics_buckets.max_value, EXCLUDED.max_value),
			set_count    = analytics_buckets.set_count + EXCLUDED.set_count,
			set_sum      = analytics_buckets.set_sum + EXCLUDED.set_sum,
			add_count    = analytics_buckets.add_count + EXCLUDED.add_count,
			add_sum      = analytics_buckets.add_sum + EXCLUDED.add_sum,
			sub_count    = analytics_buckets.sub_count + EXCLUDED.sub_count,
			sub_sum      = analytics_buckets.sub_sum + EXCLUDED.sub_sum,
			entity_count = analytics_buckets.entity_count + EXCLUDED.entity_count,
			updated_at   = GREATEST(analytics_buckets.updated_at, EXCLUDED.updated_at)
	`

	// queryRecomputeParentBucket replaces a parent bucket with the fold of
	// its children in a single upsert, so concurrent sweeps touching the
	// same parent serialize on the row instead of colliding on the primary
	// key. queryDeleteParentBucket covers the case where no children remain.
	queryDeleteParentBucket = `
		DELETE FROM analytics_buckets
		WHERE resource = $1 AND field = $2 AND period = $3 AND cohort = $4
	`

	queryRecomputeParentBucket = `
		INSERT INTO analytics_buckets (
			resource, field, period, cohort,
			txn_count, total, min_value, max_value,
			set_count, set_sum, add_count, add_sum, sub_count, sub_sum,
			entity_count, updated_at
		)
		SELECT
			$1, $2, $3, $4,
			SUM(txn_count), SUM(total), MIN(min_value), MAX(max_value),
			SUM(set_count), SUM(set_sum), SUM(add_count), SUM(add_sum),
			SUM(sub_count), SUM(sub_sum),
			SUM(entity_count), MAX(updated_at)
		FROM analytics_buckets
		WHERE resource = $1 AND field = $2 AND period = $5 AND cohort = ANY($6)
		HAVING COUNT(*) > 0
		ON CONFLICT (resource, field, period, cohort) DO UPDATE SET
			txn_count    = EXCLUDED.txn_count,
			total        = EXCLUDED.total,
			min_value    = EXCLUDED.min_value,
			max_value    = EXCLUDED.max_value,
			set_count    = EXCLUDED.set_count,
			set_sum      = EXCLUDED.set_sum,
			add_count    = EXCLUDED.add_count,
			add_sum      = EXCLUDED.add_sum,
			sub_count    = EXCLUDED.sub_count,
			sub_sum      = EXCLUDED.sub_sum,
			entity_count = EXCLUDED.entity_count,
			updated_at   = EXCLUDED.updated_at
	`

	// queryBucketRange serves analytics queries. Cohort keys sort
	// lexicographically in chronological order, so BETWEEN is a time range.
	queryBucketRange = `
		SELECT
			cohort,
			txn_count, total, min_value, max_value,
			set_count, set_sum, add_count, add_sum, sub_count, sub_sum,
			entity_count, updated_at
		FROM analytics_buckets
		WHERE resource = $1 AND field = $2 AND period = $3
		  AND cohort >= $4 AND cohort <= $5
		ORDER BY cohort ASC
	`

	queryDeleteBucketsBefore = `
		DELETE FROM analytics_buckets
		WHERE resource = $1 AND field = $2 AND period = $3 AND cohort < $4
	`
)
