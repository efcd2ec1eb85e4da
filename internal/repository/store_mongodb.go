package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bloodbank-api/internal/model"
	"bloodbank-api/pkg/uid"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
// CommitAllocation uses multi-document transactions, which need a replica set.
type MongoDBStore struct {
	client      *mongo.Client
	db          *mongo.Database
	inventory   *mongo.Collection
	requests    *mongo.Collection
	allocations *mongo.Collection
}

// NewMongoDBStore connects to MongoDB and ensures the indexes exist.
func NewMongoDBStore(uri, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &MongoDBStore{
		client:      client,
		db:          db,
		inventory:   db.Collection(model.TableInventory),
		requests:    db.Collection(model.TableRequests),
		allocations: db.Collection(model.TableAllocations),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Printf("[MongoDB] Connected to %s", database)
	return s, nil
}

func (s *MongoDBStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.inventory.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "blood_group", Value: 1}, {Key: "status", Value: 1}, {Key: "expires_on", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		log.Printf("[MongoDB] Warning: failed to create inventory index: %v", err)
	}
	if _, err := s.requests.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		log.Printf("[MongoDB] Warning: failed to create request index: %v", err)
	}
	// A unit belongs to at most one allocation; this one must exist.
	if _, err := s.allocations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "inventory_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create allocation indexes: %w", err)
	}
	return nil
}

func normalizeUnit(u *model.InventoryUnit) {
	u.CollectedOn = model.Day(u.CollectedOn)
	u.ExpiresOn = model.Day(u.ExpiresOn)
	u.CreatedAt = u.CreatedAt.UTC()
}

func normalizeRequest(r *model.BloodRequest) {
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
}

func filterDoc(group, status string) bson.M {
	filter := bson.M{}
	if group != "" {
		filter["blood_group"] = group
	}
	if status != "" {
		filter["status"] = status
	}
	return filter
}

// CreateUnit inserts a new unit.
func (s *MongoDBStore) CreateUnit(ctx context.Context, u *model.InventoryUnit) error {
	doc := *u
	normalizeUnit(&doc)
	if _, err := s.inventory.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert unit: %w", err)
	}
	return nil
}

// GetUnit returns one unit or ErrNotFound.
func (s *MongoDBStore) GetUnit(ctx context.Context, id string) (*model.InventoryUnit, error) {
	var u model.InventoryUnit
	err := s.inventory.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	normalizeUnit(&u)
	return &u, nil
}

func (s *MongoDBStore) findUnits(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.InventoryUnit, error) {
	cursor, err := s.inventory.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find units: %w", err)
	}
	defer cursor.Close(ctx)

	units := []model.InventoryUnit{}
	if err := cursor.All(ctx, &units); err != nil {
		return nil, fmt.Errorf("failed to decode units: %w", err)
	}
	for i := range units {
		normalizeUnit(&units[i])
	}
	return units, nil
}

// ListUnits returns a page of units ordered by expiry and the total matching count.
func (s *MongoDBStore) ListUnits(ctx context.Context, f UnitFilter) ([]model.InventoryUnit, int64, error) {
	filter := filterDoc(string(f.BloodGroup), string(f.Status))
	total, err := s.inventory.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count units: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "expires_on", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(pageLimit(f.Limit))).
		SetSkip(int64(f.Offset))
	units, err := s.findUnits(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	return units, total, nil
}

// QueryAvailableUnits returns allocation candidates in FEFO order.
func (s *MongoDBStore) QueryAvailableUnits(ctx context.Context, q AvailabilityQuery) ([]model.InventoryUnit, error) {
	filter := bson.M{
		"blood_group": string(q.BloodGroup),
		"status":      string(model.UnitAvailable),
		"expires_on":  bson.M{"$gte": model.Day(q.NotExpiredBefore)},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "expires_on", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(q.Limit))
	return s.findUnits(ctx, filter, opts)
}

// DiscardUnit moves an available unit to discarded.
func (s *MongoDBStore) DiscardUnit(ctx context.Context, id string) (*model.InventoryUnit, error) {
	var u model.InventoryUnit
	err := s.inventory.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(model.UnitAvailable)},
		bson.M{"$set": bson.M{"status": string(model.UnitDiscarded)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := s.GetUnit(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("unit %s is %s: %w", id, current.Status, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to discard unit: %w", err)
	}
	normalizeUnit(&u)
	return &u, nil
}

// DeleteUnit removes a unit that no allocation references.
func (s *MongoDBStore) DeleteUnit(ctx context.Context, id string) error {
	refs, err := s.allocations.CountDocuments(ctx, bson.M{"inventory_id": id})
	if err != nil {
		return fmt.Errorf("failed to check allocations: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("unit %s is allocated: %w", id, ErrConflict)
	}
	res, err := s.inventory.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete unit: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardExpired moves expired available units to discarded.
// IDs are collected first; the update re-checks status so a unit claimed in
// between is left alone and not reported.
func (s *MongoDBStore) DiscardExpired(ctx context.Context, today time.Time) ([]string, error) {
	filter := bson.M{
		"status":     string(model.UnitAvailable),
		"expires_on": bson.M{"$lt": model.Day(today)},
	}
	cursor, err := s.inventory.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to find expired units: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode expired units: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		res, err := s.inventory.UpdateOne(ctx,
			bson.M{"_id": d.ID, "status": string(model.UnitAvailable)},
			bson.M{"$set": bson.M{"status": string(model.UnitDiscarded)}})
		if err != nil {
			return ids, fmt.Errorf("failed to discard unit %s: %w", d.ID, err)
		}
		if res.ModifiedCount == 1 {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// CreateRequest inserts a new request.
func (s *MongoDBStore) CreateRequest(ctx context.Context, req *model.BloodRequest) error {
	if _, err := s.requests.InsertOne(ctx, req); err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// GetRequest returns one request or ErrNotFound.
func (s *MongoDBStore) GetRequest(ctx context.Context, id string) (*model.BloodRequest, error) {
	var r model.BloodRequest
	err := s.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	normalizeRequest(&r)
	return &r, nil
}

// ListRequests returns a page of requests, newest first, and the total count.
func (s *MongoDBStore) ListRequests(ctx context.Context, f RequestFilter) ([]model.BloodRequest, int64, error) {
	filter := filterDoc(string(f.BloodGroup), string(f.Status))
	total, err := s.requests.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(pageLimit(f.Limit))).
		SetSkip(int64(f.Offset))
	cursor, err := s.requests.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}
	defer cursor.Close(ctx)

	requests := []model.BloodRequest{}
	if err := cursor.All(ctx, &requests); err != nil {
		return nil, 0, fmt.Errorf("failed to decode requests: %w", err)
	}
	for i := range requests {
		normalizeRequest(&requests[i])
	}
	return requests, total, nil
}

// TransitionRequest conditionally moves a request to the target status.
func (s *MongoDBStore) TransitionRequest(ctx context.Context, id string, to model.RequestStatus, actedBy string, at time.Time) (*model.BloodRequest, error) {
	sources := model.TransitionSources(to)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no transition into %s: %w", to, ErrConflict)
	}
	from := make([]string, len(sources))
	for i, src := range sources {
		from[i] = string(src)
	}

	var r model.BloodRequest
	err := s.requests.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": from}},
		bson.M{"$set": bson.M{"status": string(to), "acted_by": actedBy, "updated_at": at.UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := s.GetRequest(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("request %s is %s: %w", id, current.Status, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update request status: %w", err)
	}
	normalizeRequest(&r)
	return &r, nil
}

// ListAllocations returns the allocation rows of one request.
func (s *MongoDBStore) ListAllocations(ctx context.Context, requestID string) ([]model.Allocation, error) {
	cursor, err := s.allocations.Find(ctx, bson.M{"request_id": requestID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer cursor.Close(ctx)

	allocations := []model.Allocation{}
	if err := cursor.All(ctx, &allocations); err != nil {
		return nil, fmt.Errorf("failed to decode allocations: %w", err)
	}
	for i := range allocations {
		allocations[i].AllocatedAt = allocations[i].AllocatedAt.UTC()
	}
	return allocations, nil
}

// CommitAllocation fulfills a request and claims its units in one transaction.
func (s *MongoDBStore) CommitAllocation(ctx context.Context, in CommitInput) (*CommitResult, error) {
	unitIDs := dedupe(in.UnitIDs)

	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(context.Background())

	callback := func(sc mongo.SessionContext) (interface{}, error) {
		var req model.BloodRequest
		err := s.requests.FindOne(sc, bson.M{"_id": in.RequestID}).Decode(&req)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get request: %w", err)
		}
		normalizeRequest(&req)

		if req.Status == model.RequestFulfilled && in.IdempotencyKey != "" && req.FulfillmentKey == in.IdempotencyKey {
			allocations, err := s.ListAllocations(sc, req.ID)
			if err != nil {
				return nil, err
			}
			return &CommitResult{Request: &req, Allocations: allocations, Replayed: true}, nil
		}
		if !model.CanTransition(req.Status, model.RequestFulfilled) {
			return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrConflict)
		}

		// Conditional on the status just read, so a concurrent writer aborts one of us.
		res, err := s.requests.UpdateOne(sc,
			bson.M{"_id": req.ID, "status": string(req.Status)},
			bson.M{"$set": bson.M{
				"status":          string(model.RequestFulfilled),
				"acted_by":        in.ActedBy,
				"fulfillment_key": in.IdempotencyKey,
				"updated_at":      in.At.UTC(),
			}})
		if err != nil {
			return nil, fmt.Errorf("failed to fulfill request: %w", err)
		}
		if res.ModifiedCount != 1 {
			return nil, fmt.Errorf("request %s changed concurrently: %w", req.ID, ErrConflict)
		}

		if len(unitIDs) > 0 {
			res, err := s.inventory.UpdateMany(sc,
				bson.M{
					"_id":         bson.M{"$in": unitIDs},
					"status":      string(model.UnitAvailable),
					"blood_group": string(req.BloodGroup),
					"expires_on":  bson.M{"$gte": model.Day(in.Today)},
				},
				bson.M{"$set": bson.M{"status": string(model.UnitFulfilled)}})
			if err != nil {
				return nil, fmt.Errorf("failed to claim units: %w", err)
			}
			if res.ModifiedCount != int64(len(unitIDs)) {
				return nil, fmt.Errorf("claimed %d of %d units: %w", res.ModifiedCount, len(unitIDs), ErrInsufficientStock)
			}
		}

		allocations := make([]model.Allocation, 0, len(unitIDs))
		docs := make([]interface{}, 0, len(unitIDs))
		for _, unitID := range unitIDs {
			a := model.Allocation{
				ID:          uid.NewSortable(),
				RequestID:   req.ID,
				InventoryID: unitID,
				AllocatedBy: in.ActedBy,
				AllocatedAt: in.At.UTC(),
			}
			allocations = append(allocations, a)
			docs = append(docs, a)
		}
		if len(docs) > 0 {
			if _, err := s.allocations.InsertMany(sc, docs); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, fmt.Errorf("unit already allocated: %w", ErrInsufficientStock)
				}
				return nil, fmt.Errorf("failed to insert allocations: %w", err)
			}
		}

		req.Status = model.RequestFulfilled
		req.ActedBy = in.ActedBy
		req.FulfillmentKey = in.IdempotencyKey
		req.UpdatedAt = in.At.UTC()
		return &CommitResult{Request: &req, Allocations: allocations}, nil
	}

	out, err := session.WithTransaction(ctx, callback)
	if err != nil {
		return nil, err
	}
	return out.(*CommitResult), nil
}

// GetStats returns dashboard statistics.
func (s *MongoDBStore) GetStats(ctx context.Context, today time.Time) (*Stats, error) {
	stats := newStats()
	day := model.Day(today)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": string(model.UnitAvailable), "expires_on": bson.M{"$gte": day}}}},
		{{Key: "$group", Value: bson.M{
			"_id":       "$blood_group",
			"units":     bson.M{"$sum": 1},
			"volume_ml": bson.M{"$sum": "$volume_ml"},
		}}},
	}
	var groups []struct {
		Group    string `bson:"_id"`
		Units    int64  `bson:"units"`
		VolumeML int64  `bson:"volume_ml"`
	}
	if err := s.aggregate(ctx, s.inventory, pipeline, &groups); err != nil {
		return nil, fmt.Errorf("failed to aggregate stock: %w", err)
	}
	for _, g := range groups {
		stats.AvailableByGroup[model.BloodGroup(g.Group)] = GroupStock{Units: g.Units, VolumeML: g.VolumeML}
	}

	byStatus := mongo.Pipeline{{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}}}
	var counts []struct {
		Status string `bson:"_id"`
		N      int64  `bson:"n"`
	}
	if err := s.aggregate(ctx, s.inventory, byStatus, &counts); err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}
	for _, c := range counts {
		stats.UnitsByStatus[model.UnitStatus(c.Status)] = c.N
	}
	counts = nil
	if err := s.aggregate(ctx, s.requests, byStatus, &counts); err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	for _, c := range counts {
		stats.RequestsByStatus[model.RequestStatus(c.Status)] = c.N
	}

	var err error
	stats.ExpiringSoon, err = s.inventory.CountDocuments(ctx, bson.M{
		"status":     string(model.UnitAvailable),
		"expires_on": bson.M{"$gte": day, "$lte": day.AddDate(0, 0, ExpiringSoonDays)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count expiring units: %w", err)
	}
	stats.Allocations, err = s.allocations.EstimatedDocumentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count allocations: %w", err)
	}

	var dbStats bson.M
	if err := s.db.RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&dbStats); err == nil {
		stats.Backend["data_size"] = dbStats["dataSize"]
		stats.Backend["storage_size"] = dbStats["storageSize"]
	}
	stats.Backend["type"] = "mongodb"
	return stats, nil
}

func (s *MongoDBStore) aggregate(ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline, out interface{}) error {
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	return cursor.All(ctx, out)
}

// Ping checks connectivity.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ensure MongoDBStore implements Store
var _ Store = (*MongoDBStore)(nil)
