package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestBuildReadinessChecks(t *testing.T) {
	ctx := context.Background()

	db, broker := BuildReadinessChecks(fakePinger{}, fakePinger{})
	assert.NoError(t, db(ctx))
	assert.NoError(t, broker(ctx))

	db, broker = BuildReadinessChecks(fakePinger{err: errors.New("down")}, fakePinger{err: errors.New("refused")})
	assert.Error(t, db(ctx))
	assert.Error(t, broker(ctx))

	db, broker = BuildReadinessChecks(nil, nil)
	assert.Error(t, db(ctx))
	assert.Error(t, broker(ctx))
}
