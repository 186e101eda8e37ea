package adapters

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
	"go.uber.org/multierr"
)

// SQLConnection 实现 Connection 接口，包装一条独占的 *sql.Conn
type SQLConnection struct {
	db        *sql.DB
	conn      *sql.Conn
	tx        *sql.Tx
	mutex     sync.Mutex
	closed    bool
	healthSQL string
}

// Close 回滚未完成的事务并关闭连接
func (c *SQLConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.tx != nil {
		if rbErr := c.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = multierr.Append(err, rbErr)
		}
		c.tx = nil
	}
	if closeErr := c.conn.Close(); closeErr != nil && !errors.Is(closeErr, sql.ErrConnDone) {
		err = multierr.Append(err, closeErr)
	}
	return multierr.Append(err, c.db.Close())
}

// Raw 返回底层的 *sql.Conn
func (c *SQLConnection) Raw() interface{} {
	return c.conn
}

// IsAlive 检查数据库连接是否仍然可用
func (c *SQLConnection) IsAlive() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if c.healthSQL != "" {
		_, err := c.conn.ExecContext(ctx, c.healthSQL)
		return err == nil
	}
	return c.conn.PingContext(ctx) == nil
}

// ResetState 回滚借出方遗留的事务
func (c *SQLConnection) ResetState() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback abandoned transaction: %w", err)
	}
	return nil
}

// BeginTx 开始事务
func (c *SQLConnection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, sql.ErrConnDone
	}
	if c.tx != nil {
		return nil, errors.New("transaction already in progress")
	}

	tx, err := c.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	return tx, nil
}

// Commit 提交事务
func (c *SQLConnection) Commit() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.tx == nil {
		return errors.New("no transaction in progress")
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

// Rollback 回滚事务
func (c *SQLConnection) Rollback() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.tx == nil {
		return errors.New("no transaction in progress")
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// InTx 报告连接上是否有未结束的事务
func (c *SQLConnection) InTx() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.tx != nil
}

// SQLConfig 定义数据库连接配置
type SQLConfig struct {
	// 驱动名，为空时从参数 driver 读取
	DriverName string
	// 健康检查SQL，为空时使用 Ping
	HealthCheckSQL string
	// 单条物理连接的最长存活时间，0 表示交给连接池管理
	ConnMaxLifetime time.Duration
}

// DefaultSQLConfig 返回默认的数据库配置
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{}
}

// SQLProvider 打开数据库连接。每个池化连接独占一个只允许一条物理连接的 *sql.DB。
type SQLProvider struct {
	config *SQLConfig
}

// NewSQLProvider 创建 SQL Provider
func NewSQLProvider(config *SQLConfig) *SQLProvider {
	if config == nil {
		config = DefaultSQLConfig()
	}
	return &SQLProvider{config: config}
}

// Open 实现 pool.Provider 接口，target 是数据源名称。
// 识别的参数: driver, health_check_sql。
func (f *SQLProvider) Open(ctx context.Context, target string, params map[string]string) (pool.Connection, error) {
	driverName := f.config.DriverName
	if v, ok := params["driver"]; ok {
		driverName = v
	}
	if driverName == "" {
		return nil, errors.New("sql driver name is required")
	}
	healthSQL := f.config.HealthCheckSQL
	if v, ok := params["health_check_sql"]; ok {
		healthSQL = v
	}

	db, err := sql.Open(driverName, target)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(f.config.ConnMaxLifetime)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, err
	}

	return &SQLConnection{
		db:        db,
		conn:      conn,
		healthSQL: healthSQL,
	}, nil
}

// SQLFatalRules 返回表示数据库连接已失效的错误规则
func SQLFatalRules() []pool.FatalRule {
	return []pool.FatalRule{
		pool.SentinelRule(driver.ErrBadConn),
		pool.SentinelRule(sql.ErrConnDone),
		pool.MessageRule("broken pipe"),
		pool.MessageRule("connection reset"),
	}
}

// PrepareTracked 在借出的连接上准备语句，并登记为连接的派生句柄。
// 连接归还时未关闭的语句会被自动关闭。
func PrepareTracked(ctx context.Context, pc *pool.PooledConn, query string) (*sql.Stmt, error) {
	conn, ok := pc.Raw().(*sql.Conn)
	if !ok {
		return nil, fmt.Errorf("pool %s does not hold sql connections", pc.Alias())
	}
	stmt, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, pc.Check(err)
	}
	pc.Track(stmt)
	return stmt, nil
}

// SQLPoolHelper SQL 连接池助手
type SQLPoolHelper struct {
	pool *pool.ConnectionPool
}

// NewSQLPoolHelper 创建一个新的 SQL 连接池助手
func NewSQLPoolHelper(p *pool.ConnectionPool) *SQLPoolHelper {
	return &SQLPoolHelper{pool: p}
}

// WithConn 借出连接执行 fn，返回的错误经过致命错误检查
func (h *SQLPoolHelper) WithConn(ctx context.Context, fn func(*sql.Conn) error) error {
	pc, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()

	conn, ok := pc.Raw().(*sql.Conn)
	if !ok {
		return fmt.Errorf("pool %s does not hold sql connections", pc.Alias())
	}
	return pc.Check(fn(conn))
}

// WithTx 在事务中执行 fn，fn 返回错误时回滚
func (h *SQLPoolHelper) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	pc, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()

	sc, ok := pc.Conn().(*SQLConnection)
	if !ok {
		return fmt.Errorf("pool %s does not hold sql connections", pc.Alias())
	}

	tx, err := sc.BeginTx(ctx, opts)
	if err != nil {
		return pc.Check(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := sc.Rollback(); rbErr != nil {
			return pc.Check(fmt.Errorf("%w (rollback: %v)", err, rbErr))
		}
		return pc.Check(err)
	}
	return pc.Check(sc.Commit())
}
