// Package cassandra is a Store backed by Apache Cassandra, for multi-region
// deployments that need the results tables replicated.
package cassandra

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gocql/gocql"

	"github.com/plasticity/resultsync/internal/config"
	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/pkg/logger"
)

// Client wraps a gocql.Session and provides connection management
type Client struct {
	session *gocql.Session
	config  config.CassandraConfig
	logger  *logger.Logger
}

// NewClient connects to the cluster and creates the keyspace and the tables
// of schema that are missing. A nil schema means storage.FullSchema.
func NewClient(cfg config.CassandraConfig, schema storage.Schema, log *logger.Logger) (*Client, error) {
	if schema == nil {
		schema = storage.FullSchema()
	}

	cluster := gocql.NewCluster(cfg.Hosts...)

	// Set connection options
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.RetryPolicy = RetryPolicy(2)

	// Authentication (if provided)
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	// Connection pool settings
	cluster.NumConns = 2
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}

	log.Info("Connected to Cassandra", logger.F("hosts", fmt.Sprintf("%v", cfg.Hosts)), logger.F("keyspace", cfg.Keyspace))

	client := &Client{
		session: session,
		config:  cfg,
		logger:  log,
	}

	if err := client.initializeSchema(schema); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return client, nil
}

// Session returns the underlying gocql.Session
func (c *Client) Session() *gocql.Session {
	return c.session
}

// Keyspace returns the configured keyspace
func (c *Client) Keyspace() string {
	return c.config.Keyspace
}

// Close closes the Cassandra session
func (c *Client) Close() {
	if c.session != nil {
		c.session.Close()
		c.logger.Info("Cassandra session closed")
	}
}

// initializeSchema creates the keyspace and tables if they don't exist
func (c *Client) initializeSchema(schema storage.Schema) error {
	keyspace := c.config.Keyspace

	createKeyspaceQuery := fmt.Sprintf(`
		CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {
			'class': 'SimpleStrategy',
			'replication_factor': 1
		}`, keyspace)

	if err := c.session.Query(createKeyspaceQuery).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace: %w", err)
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, string(name))
	}
	sort.Strings(names)

	for _, name := range names {
		if err := c.session.Query(createTableCQL(keyspace, schema[storage.Table(name)])).Exec(); err != nil {
			return fmt.Errorf("failed to create %s table: %w", name, err)
		}
	}

	// Sessions are looked up by user for history views.
	if _, ok := schema[storage.TableSessions]; ok {
		createIndexQuery := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS ON %s.%s (user_id)`, keyspace, storage.TableSessions)
		if err := c.session.Query(createIndexQuery).Exec(); err != nil {
			c.logger.Debug("Index creation result", logger.F("error", err.Error()))
		}
	}

	c.logger.Info("Cassandra schema initialized", logger.F("keyspace", keyspace), logger.F("tables", len(names)))
	return nil
}

// primaryKeys lays each table out by its read path: sessions by id, trials
// and events partitioned by session so one partition holds a whole session.
var primaryKeys = map[storage.Table]string{
	storage.TableSessions: "(id)",
	storage.TableTrials:   "((session_id), trial_index)",
	storage.TableEvents:   "((session_id), id)",
}

func createTableCQL(keyspace string, t *storage.TableSchema) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, col := range t.Columns {
		defs = append(defs, col.Name+" "+cqlType(col.Kind))
	}
	pk, ok := primaryKeys[t.Name]
	if !ok {
		pk = "(" + strings.Join(t.Key, ", ") + ")"
	}
	defs = append(defs, "PRIMARY KEY "+pk)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (\n\t%s\n)", keyspace, t.Name, strings.Join(defs, ",\n\t"))
}

func cqlType(k storage.ColumnKind) string {
	switch k {
	case storage.ColInt:
		return "bigint"
	case storage.ColFloat:
		return "double"
	case storage.ColBool:
		return "boolean"
	case storage.ColTime:
		return "timestamp"
	default:
		return "text"
	}
}

// parseConsistency parses a consistency level string
func parseConsistency(consistencyStr string) gocql.Consistency {
	switch strings.ToUpper(consistencyStr) {
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.Quorum
	}
}

// RetryPolicy retries transient errors up to maxRetries times.
func RetryPolicy(maxRetries int) gocql.RetryPolicy {
	return &simpleRetryPolicy{maxRetries: maxRetries}
}

type simpleRetryPolicy struct {
	maxRetries int
}

func (p *simpleRetryPolicy) Attempt(q gocql.RetryableQuery) bool {
	return q.Attempts() <= p.maxRetries
}

func (p *simpleRetryPolicy) GetRetryType(err error) gocql.RetryType {
	if err == gocql.ErrTimeoutNoResponse {
		return gocql.Retry
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "unavailable") {
			return gocql.Retry
		}
	}
	return gocql.Rethrow
}
