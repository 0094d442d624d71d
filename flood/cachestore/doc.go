// Short-lived cache of string values with a fixed TTL and explicit purging.
//
// Includes an interface and implementations using redis, memcached, and in-process memory.
//
// Used to cache author group membership lookups, which are comparatively slow calls to the hosting platform and change rarely.
package cachestore
