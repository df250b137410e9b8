package stores

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"whiteboard-server/config"
	"whiteboard-server/core"
	"whiteboard-server/stores/aws"
	"whiteboard-server/stores/filesystem"
	"whiteboard-server/stores/memory"
	"whiteboard-server/stores/mongo"
	"whiteboard-server/stores/postgres"
	"whiteboard-server/stores/sqlite"
)

// GetStore opens the durable store selected by conf.Type.
func GetStore(conf config.Storage) (core.Store, error) {
	var store core.Store

	storageField := logrus.Fields{
		"storageType": conf.Type,
	}

	switch conf.Type {
	case "filesystem":
		storageField["basePath"] = conf.LocalPath
		store = filesystem.NewDocumentStore(conf.LocalPath)
	case "sqlite":
		storageField["dataSourceName"] = conf.DataSourceName
		storageField["cgo"] = sqlite.CGOEnabled
		store = sqlite.NewDocumentStore(conf.DataSourceName)
	case "s3":
		storageField["bucketName"] = conf.S3BucketName
		store = aws.NewStore(conf.S3BucketName)
	case "mongo":
		storageField["database"] = conf.MongoDatabase
		s, err := mongo.Dial(conf.MongoURI, conf.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		store = s
	case "postgres":
		s, err := postgres.Open(conf.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		store = s
	default:
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
