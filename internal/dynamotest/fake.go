// Package dynamotest provides an in-memory stand-in for the DynamoDB client.
// It understands the small expression grammar the stores in this module
// issue: attribute_exists / attribute_not_exists, comparisons, IN lists,
// AND / OR (without grouping, AND binds tighter), SET assignments with
// + / - arithmetic and REMOVE.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type schema struct {
	hashKey  string
	rangeKey string
}

// Fake is a goroutine-safe in-memory DynamoDB.
type Fake struct {
	mu       sync.Mutex
	schemas  map[string]schema
	tables   map[string]map[string]map[string]types.AttributeValue
	failNext map[string]error
	calls    map[string]int

	// BeforeOp, when set, runs before every operation outside the lock.
	// Tests use it to interleave a competing writer.
	BeforeOp func(op string)
}

// New returns an empty Fake with no tables.
func New() *Fake {
	return &Fake{
		schemas:  map[string]schema{},
		tables:   map[string]map[string]map[string]types.AttributeValue{},
		failNext: map[string]error{},
		calls:    map[string]int{},
	}
}

// CreateTable registers a table. rangeKey may be empty.
func (f *Fake) CreateTable(name, hashKey, rangeKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[name] = schema{hashKey: hashKey, rangeKey: rangeKey}
	f.tables[name] = map[string]map[string]types.AttributeValue{}
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Seed writes an item without evaluating any condition.
func (f *Fake) Seed(table string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, err := f.keyOf(table, item)
	if err != nil {
		panic(err)
	}
	f.tables[table][k] = clone(item)
}

// Items returns a copy of every item in table, ordered by key.
func (f *Fake) Items(table string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.tables[table]))
	for k := range f.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(f.tables[table][k]))
	}
	return out
}

// Count returns the number of items in table.
func (f *Fake) Count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *Fake) enter(op string) error {
	if f.BeforeOp != nil {
		f.BeforeOp(op)
	}
	f.mu.Lock()
	f.calls[op]++
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	table := sdkaws.ToString(in.TableName)
	k, err := f.keyOf(table, in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.tables[table][k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionalFailed()
	}
	f.tables[table][k] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	table := sdkaws.ToString(in.TableName)
	k, err := f.keyOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.tables[table][k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	table := sdkaws.ToString(in.TableName)
	k, err := f.keyOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	updated, err := f.applyUpdate(table, k, in.Key, in.ConditionExpression, in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues != "" && in.ReturnValues != types.ReturnValueNone {
		out.Attributes = clone(updated)
	}
	return out, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	table := sdkaws.ToString(in.TableName)
	k, err := f.keyOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.tables[table][k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionalFailed()
	}
	delete(f.tables[table], k)
	return &dyn.DeleteItemOutput{}, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	table := sdkaws.ToString(in.TableName)
	sch, ok := f.schemas[table]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + table)}
	}
	parts := strings.Fields(sdkaws.ToString(in.KeyConditionExpression))
	if len(parts) != 3 || parts[1] != "=" {
		return nil, fmt.Errorf("dynamotest: unsupported key condition %q", sdkaws.ToString(in.KeyConditionExpression))
	}
	attr := resolveName(parts[0], in.ExpressionAttributeNames)
	want, ok := in.ExpressionAttributeValues[parts[2]]
	if !ok {
		return nil, fmt.Errorf("dynamotest: missing value %s", parts[2])
	}

	var items []map[string]types.AttributeValue
	for _, item := range f.tables[table] {
		if c, ok := compare(item[attr], want); ok && c == 0 {
			items = append(items, clone(item))
		}
	}
	if sch.rangeKey != "" {
		sort.Slice(items, func(i, j int) bool {
			return scalar(items[i][sch.rangeKey]) < scalar(items[j][sch.rangeKey])
		})
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	canceled := false
	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		var (
			table string
			key   map[string]types.AttributeValue
			cond  *string
			names map[string]string
			vals  map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.Put.TableName), it.Put.Item, it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
		case it.Update != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.Update.TableName), it.Update.Key, it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
		case it.Delete != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.Delete.TableName), it.Delete.Key, it.Delete.ConditionExpression, it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
		case it.ConditionCheck != nil:
			table, key, cond, names, vals = sdkaws.ToString(it.ConditionCheck.TableName), it.ConditionCheck.Key, it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("dynamotest: empty transact item")
		}
		k, err := f.keyOf(table, key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(cond, names, vals, f.tables[table][k])
		if err != nil {
			return nil, err
		}
		if !ok {
			canceled = true
			reasons[i] = types.CancellationReason{
				Code:    sdkaws.String("ConditionalCheckFailed"),
				Message: sdkaws.String("The conditional request failed"),
			}
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			table := sdkaws.ToString(it.Put.TableName)
			k, _ := f.keyOf(table, it.Put.Item)
			f.tables[table][k] = clone(it.Put.Item)
		case it.Update != nil:
			table := sdkaws.ToString(it.Update.TableName)
			k, _ := f.keyOf(table, it.Update.Key)
			if _, err := f.applyUpdate(table, k, it.Update.Key, nil, it.Update.UpdateExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		case it.Delete != nil:
			table := sdkaws.ToString(it.Delete.TableName)
			k, _ := f.keyOf(table, it.Delete.Key)
			delete(f.tables[table], k)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// applyUpdate must be called with the lock held.
func (f *Fake) applyUpdate(table, k string, key map[string]types.AttributeValue, cond, update *string, names map[string]string, vals map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	existing := f.tables[table][k]
	ok, err := evalCondition(cond, names, vals, existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionalFailed()
	}
	item := clone(existing)
	if item == nil {
		item = clone(key)
	}
	if err := applySet(sdkaws.ToString(update), names, vals, item); err != nil {
		return nil, err
	}
	f.tables[table][k] = item
	return item, nil
}

func (f *Fake) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	sch, ok := f.schemas[table]
	if !ok {
		return "", &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + table)}
	}
	h, ok := item[sch.hashKey]
	if !ok {
		return "", fmt.Errorf("dynamotest: %s missing hash key %s", table, sch.hashKey)
	}
	k := scalar(h)
	if sch.rangeKey != "" {
		r, ok := item[sch.rangeKey]
		if !ok {
			return "", fmt.Errorf("dynamotest: %s missing range key %s", table, sch.rangeKey)
		}
		k += "\x00" + scalar(r)
	}
	return k, nil
}

func conditionalFailed() error {
	return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func resolveName(tok string, names map[string]string) string {
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

func scalar(v types.AttributeValue) string {
	switch a := v.(type) {
	case *types.AttributeValueMemberS:
		return a.Value
	case *types.AttributeValueMemberN:
		return a.Value
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(a.Value)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// compare returns the ordering of a and b and whether they are comparable.
func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, err1 := strconv.ParseFloat(av.Value, 64)
		y, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

func evalCondition(expr *string, names map[string]string, vals map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, disjunct := range strings.Split(*expr, " OR ") {
		all := true
		for _, term := range strings.Split(disjunct, " AND ") {
			ok, err := evalTerm(strings.TrimSpace(term), names, vals, item)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalTerm(term string, names map[string]string, vals map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if inner, ok := fnArg(term, "attribute_not_exists"); ok {
		_, present := item[resolveName(inner, names)]
		return !present, nil
	}
	if inner, ok := fnArg(term, "attribute_exists"); ok {
		_, present := item[resolveName(inner, names)]
		return present, nil
	}
	if i := strings.Index(term, " IN "); i >= 0 {
		lhs := item[resolveName(strings.TrimSpace(term[:i]), names)]
		list := strings.Trim(strings.TrimSpace(term[i+4:]), "()")
		for _, p := range strings.Split(list, ",") {
			v, ok := vals[strings.TrimSpace(p)]
			if !ok {
				return false, fmt.Errorf("dynamotest: missing value %s", p)
			}
			if c, ok := compare(lhs, v); ok && c == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	parts := strings.Fields(term)
	if len(parts) != 3 {
		return false, fmt.Errorf("dynamotest: unsupported condition %q", term)
	}
	lhs, present := item[resolveName(parts[0], names)]
	if !present {
		return false, nil
	}
	rhs, err := operand(parts[2], names, vals, item)
	if err != nil {
		return false, err
	}
	c, ok := compare(lhs, rhs)
	if !ok {
		return parts[1] == "<>", nil
	}
	switch parts[1] {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("dynamotest: unsupported operator %q", parts[1])
}

func fnArg(term, fn string) (string, bool) {
	if !strings.HasPrefix(term, fn+"(") || !strings.HasSuffix(term, ")") {
		return "", false
	}
	return strings.TrimSpace(term[len(fn)+1 : len(term)-1]), true
}

func operand(tok string, names map[string]string, vals map[string]types.AttributeValue, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	if strings.HasPrefix(tok, ":") {
		v, ok := vals[tok]
		if !ok {
			return nil, fmt.Errorf("dynamotest: missing value %s", tok)
		}
		return v, nil
	}
	v, ok := item[resolveName(tok, names)]
	if !ok {
		return nil, fmt.Errorf("dynamotest: missing attribute %s", tok)
	}
	return v, nil
}

func applySet(expr string, names map[string]string, vals map[string]types.AttributeValue, item map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		for _, name := range strings.Split(expr[i+len("REMOVE "):], ",") {
			delete(item, resolveName(strings.TrimSpace(name), names))
		}
		expr = strings.TrimSpace(expr[:i])
	}
	if expr == "" {
		return nil
	}
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("dynamotest: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		eq := strings.Index(assign, "=")
		if eq < 0 {
			return fmt.Errorf("dynamotest: bad assignment %q", assign)
		}
		target := resolveName(strings.TrimSpace(assign[:eq]), names)
		rhs := strings.Fields(assign[eq+1:])
		switch len(rhs) {
		case 1:
			v, err := operand(rhs[0], names, vals, item)
			if err != nil {
				return err
			}
			item[target] = v
		case 3:
			a, err := operand(rhs[0], names, vals, item)
			if err != nil {
				return err
			}
			b, err := operand(rhs[2], names, vals, item)
			if err != nil {
				return err
			}
			x, err1 := strconv.ParseFloat(scalar(a), 64)
			y, err2 := strconv.ParseFloat(scalar(b), 64)
			if err1 != nil || err2 != nil {
				return fmt.Errorf("dynamotest: arithmetic on non-number in %q", assign)
			}
			switch rhs[1] {
			case "+":
				x += y
			case "-":
				x -= y
			default:
				return fmt.Errorf("dynamotest: unsupported operator in %q", assign)
			}
			item[target] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'f', -1, 64)}
		default:
			return fmt.Errorf("dynamotest: unsupported assignment %q", assign)
		}
	}
	return nil
}
