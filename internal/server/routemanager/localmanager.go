package routemanager

import (
	"encoding/binary"

	"github.com/cbeuw/Websock/internal/common"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var u64 = binary.BigEndian.Uint64

func i64ToB(value int64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, uint64(value))
	return oct
}

var (
	keyMode      = []byte("Mode")
	keyRxRate    = []byte("RxRate")
	keyTxRate    = []byte("TxRate")
	keyUpdatedAt = []byte("UpdatedAt")
)

// localManager keeps route definitions in a local bbolt database, one bucket per route
type localManager struct {
	db    *bolt.DB
	world common.WorldState
}

func MakeLocalManager(dbPath string, worldState common.WorldState) (*localManager, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	ret := &localManager{
		db:    db,
		world: worldState,
	}
	return ret, nil
}

func readRoute(route []byte, bucket *bolt.Bucket) RouteInfo {
	info := RouteInfo{Route: string(route)}
	if v := bucket.Get(keyMode); v != nil {
		info.Mode = JustString(string(v))
	}
	if v := bucket.Get(keyRxRate); v != nil {
		info.RxRate = JustInt64(int64(u64(v)))
	}
	if v := bucket.Get(keyTxRate); v != nil {
		info.TxRate = JustInt64(int64(u64(v)))
	}
	if v := bucket.Get(keyUpdatedAt); v != nil {
		info.UpdatedAt = int64(u64(v))
	}
	return info
}

func (manager *localManager) ListAllRoutes() (infos []RouteInfo, err error) {
	err = manager.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(route []byte, bucket *bolt.Bucket) error {
			infos = append(infos, readRoute(route, bucket))
			return nil
		})
	})
	if infos == nil {
		infos = []RouteInfo{}
	}
	return
}

func (manager *localManager) GetRouteInfo(route string) (info RouteInfo, err error) {
	err = manager.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(route))
		if bucket == nil {
			return ErrRouteNotFound
		}
		info = readRoute([]byte(route), bucket)
		return nil
	})
	return
}

func (manager *localManager) WriteRouteInfo(info RouteInfo) (err error) {
	err = manager.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(info.Route))
		if err != nil {
			return err
		}
		if info.Mode != nil {
			if err = bucket.Put(keyMode, []byte(*info.Mode)); err != nil {
				return err
			}
		}
		if info.RxRate != nil {
			if err = bucket.Put(keyRxRate, i64ToB(*info.RxRate)); err != nil {
				return err
			}
		}
		if info.TxRate != nil {
			if err = bucket.Put(keyTxRate, i64ToB(*info.TxRate)); err != nil {
				return err
			}
		}
		return bucket.Put(keyUpdatedAt, i64ToB(manager.world.Now().Unix()))
	})
	if err == nil {
		log.WithField("route", info.Route).Debug("route written")
	}
	return
}

func (manager *localManager) DeleteRoute(route string) (err error) {
	err = manager.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(route))
		if err == bolt.ErrBucketNotFound {
			return ErrRouteNotFound
		}
		return err
	})
	return
}

func (manager *localManager) Close() error {
	return manager.db.Close()
}
