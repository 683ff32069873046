// Package redis connects go-redis clients and provides a small lease
// primitive used to keep periodic jobs from overlapping across replicas.
package redis
