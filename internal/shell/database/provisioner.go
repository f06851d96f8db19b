// Package database provisions managed relational database instances for
// deployments whose introspection detected a database dependency. This is
// part of the Imperative Shell.
package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	smithy "github.com/aws/smithy-go"

	"github.com/skylift/skylift/internal/core/poll"
)

// =============================================================================
// API Interface
// =============================================================================

// RDSAPI lists the managed-database operations the provisioner uses.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
	CreateDBSubnetGroup(ctx context.Context, params *rds.CreateDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.CreateDBSubnetGroupOutput, error)
}

// =============================================================================
// Engines
// =============================================================================

// Engine identifies a supported relational engine.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
)

// Port returns the engine's default port.
func (e Engine) Port() int {
	if e == EngineMySQL {
		return 3306
	}
	return 5432
}

// DSN formats the engine-specific connection string. Relational engines
// differ in syntax; the generated credential is always embedded.
func (e Engine) DSN(user, password, endpoint string, port int, dbName string) string {
	if e == EngineMySQL {
		return fmt.Sprintf("mysql://%s:%s@%s:%d/%s", user, password, endpoint, port, dbName)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, password, endpoint, port, dbName)
}

// ParseEngine maps a detected engine name, defaulting to postgres.
func ParseEngine(name string) Engine {
	switch name {
	case "mysql", "mariadb":
		return EngineMySQL
	default:
		return EnginePostgres
	}
}

// =============================================================================
// Provisioner
// =============================================================================

// Spec describes one database requirement.
type Spec struct {
	// InstanceID is the deterministic instance identifier.
	InstanceID string
	Engine     Engine
	// SubnetIDs and SecurityGroupID come from the deployment's network.
	SubnetIDs       []string
	SecurityGroupID string
}

// Database is the provisioned result consumed by the target handlers.
type Database struct {
	InstanceID       string
	Endpoint         string
	Port             int
	ConnectionString string
}

// Config bounds the availability wait.
type Config struct {
	Poll poll.Config
}

// DefaultConfig returns the default availability budget. Managed database
// creation routinely takes several minutes.
func DefaultConfig() Config {
	return Config{Poll: poll.Config{Interval: 30 * time.Second, MaxAttempts: 40}}
}

// Provisioner creates managed database instances idempotently.
type Provisioner struct {
	api    RDSAPI
	config Config
	logger *slog.Logger
}

// NewProvisioner creates a database provisioner.
func NewProvisioner(api RDSAPI, config Config, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Poll.MaxAttempts == 0 {
		config = DefaultConfig()
	}
	return &Provisioner{api: api, config: config, logger: logger.With("component", "database")}
}

const masterUser = "skylift"

// Provision ensures the database instance exists and is available, then
// returns its connection details. An instance already present under the
// deterministic identifier is reused; its credential cannot be recovered,
// so the connection string is rebuilt only on create.
func (p *Provisioner) Provision(ctx context.Context, spec Spec) (*Database, error) {
	existing, err := p.find(ctx, spec.InstanceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.logger.Info("database instance reused", "instance_id", spec.InstanceID)
		db, err := p.waitAvailable(ctx, spec)
		if err != nil {
			return nil, err
		}
		return db, nil
	}

	password, err := generatePassword()
	if err != nil {
		return nil, err
	}

	subnetGroup := spec.InstanceID + "-subnets"
	_, err = p.api.CreateDBSubnetGroup(ctx, &rds.CreateDBSubnetGroupInput{
		DBSubnetGroupName:        aws.String(subnetGroup),
		DBSubnetGroupDescription: aws.String("skylift managed"),
		SubnetIds:                spec.SubnetIDs,
	})
	if err != nil && apiErrorCode(err) != "DBSubnetGroupAlreadyExists" {
		return nil, fmt.Errorf("failed to create subnet group: %w", err)
	}

	_, err = p.api.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
		DBInstanceIdentifier: aws.String(spec.InstanceID),
		Engine:               aws.String(string(spec.Engine)),
		DBInstanceClass:      aws.String("db.t3.micro"),
		AllocatedStorage:     aws.Int32(20),
		MasterUsername:       aws.String(masterUser),
		MasterUserPassword:   aws.String(password),
		DBName:               aws.String("app"),
		DBSubnetGroupName:    aws.String(subnetGroup),
		VpcSecurityGroupIds:  []string{spec.SecurityGroupID},
		PubliclyAccessible:   aws.Bool(true),
	})
	if err != nil && apiErrorCode(err) != "DBInstanceAlreadyExists" {
		return nil, fmt.Errorf("failed to create database instance: %w", err)
	}
	p.logger.Info("database instance creating", "instance_id", spec.InstanceID, "engine", spec.Engine)

	db, err := p.waitAvailable(ctx, spec)
	if err != nil {
		return nil, err
	}
	db.ConnectionString = spec.Engine.DSN(masterUser, password, db.Endpoint, db.Port, "app")
	return db, nil
}

// waitAvailable polls the instance on a fixed interval until it reports
// "available". A timeout is fatal for this step only; the caller may
// continue deployment without a database and surface a warning.
func (p *Provisioner) waitAvailable(ctx context.Context, spec Spec) (*Database, error) {
	db := &Database{InstanceID: spec.InstanceID, Port: spec.Engine.Port()}

	err := poll.Until(ctx, p.config.Poll, func(ctx context.Context) (bool, error) {
		inst, err := p.find(ctx, spec.InstanceID)
		if err != nil {
			return false, err
		}
		if inst == nil {
			return false, nil
		}
		if aws.ToString(inst.DBInstanceStatus) != "available" {
			return false, nil
		}
		if inst.Endpoint != nil {
			db.Endpoint = aws.ToString(inst.Endpoint.Address)
			if inst.Endpoint.Port != nil {
				db.Port = int(aws.ToInt32(inst.Endpoint.Port))
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("database %s never became available: %w", spec.InstanceID, err)
	}
	return db, nil
}

func (p *Provisioner) find(ctx context.Context, instanceID string) (*rdstypes.DBInstance, error) {
	out, err := p.api.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		if apiErrorCode(err) == "DBInstanceNotFound" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up database %s: %w", instanceID, err)
	}
	if len(out.DBInstances) == 0 {
		return nil, nil
	}
	return &out.DBInstances[0], nil
}

// Delete tears down the database instance. Explicit operation: ordinary
// redeploys never call it. Missing instances are success.
func (p *Provisioner) Delete(ctx context.Context, instanceID string) error {
	_, err := p.api.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier: aws.String(instanceID),
		SkipFinalSnapshot:    aws.Bool(true),
	})
	if err != nil && apiErrorCode(err) != "DBInstanceNotFound" {
		return fmt.Errorf("failed to delete database %s: %w", instanceID, err)
	}
	p.logger.Info("database instance deleted", "instance_id", instanceID)
	return nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// generatePassword returns a random 32-hex-char credential.
func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
