package scene

import (
	"math"
	"time"

	"github.com/240db/LuxCore/log"
	"github.com/240db/LuxCore/types"
)

const (
	// The builder will not evaluate split candidates along an axis whose
	// bbox side is shorter than this threshold.
	minSideLength float32 = 1e-3

	// If the split step (side length / (1024 / (depth+1))) drops below
	// this threshold no candidates are generated for the axis.
	minSplitStep float32 = 1e-5

	// Worklists at or below this size always become leafs.
	defaultMinLeafItems = 4

	// Nodes at this depth always become leafs. Traversal uses a fixed
	// 64-entry stack whose occupancy can reach depth+1, so the build must
	// keep tree depth below that bound.
	maxBVHDepth = 60
)

type bvhSplitCandidate struct {
	axis                  int
	splitPoint            float32
	leftCount, rightCount int
	score                 float32
}

type bvhStats struct {
	nodes    int
	leafs    int
	maxDepth int
}

type bvhBuilder struct {
	logger log.Logger

	// Output tree. Leaf primitives are appended in partition order so each
	// leaf covers a contiguous range.
	tree BVHTree

	minLeafItems int

	// Split score result chan
	scoreChan chan bvhSplitCandidate

	stats bvhStats
}

// Construct a BVH over the given primitives.
//
// The builder scores splits with SAH: score = primitive count * bbox face
// area, evaluating candidates for all three axes in parallel. A leaf is
// produced whenever the worklist is small enough or no candidate improves
// on the unsplit node score.
func BuildBVH(prims []BVHPrimitive) *BVHTree {
	builder := &bvhBuilder{
		logger: log.New("bvh"),
		tree: BVHTree{
			Nodes:      make([]BVHNode, 0, 2*len(prims)),
			Primitives: make([]BVHPrimitive, 0, len(prims)),
		},
		minLeafItems: defaultMinLeafItems,
		scoreChan:    make(chan bvhSplitCandidate),
	}

	start := time.Now()
	if len(prims) > 0 {
		builder.partition(prims, 0)
	}
	builder.logger.Debugf(
		"BVH build time: %d ms, maxDepth: %d, nodes: %d, leafs: %d",
		time.Since(start).Nanoseconds()/1e6,
		builder.stats.maxDepth, builder.stats.nodes, builder.stats.leafs,
	)

	return &builder.tree
}

// Partition worklist and return the node index.
func (b *bvhBuilder) partition(workList []BVHPrimitive, depth int) uint32 {
	if depth > b.stats.maxDepth {
		b.stats.maxDepth = depth
	}

	node := BVHNode{
		Min: types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}.Vec4(0),
		Max: types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}.Vec4(0),
	}

	// Calculate bounding box for node
	for i := range workList {
		pmin, pmax := workList[i].BBox()
		node.Min = types.MinVec3(node.Min.Vec3(), pmin).Vec4(node.Min[3])
		node.Max = types.MaxVec3(node.Max.Vec3(), pmax).Vec4(node.Max[3])
	}

	// Do we have enough items for partitioning? If not, or if the tree is
	// about to outgrow the traversal stacks, create a leaf
	if len(workList) <= b.minLeafItems || depth >= maxBVHDepth {
		return b.createLeaf(&node, workList)
	}

	// Calc current node score
	side := node.Max.Vec3().Sub(node.Min.Vec3())
	bestScore := float32(len(workList)) * (side[0]*side[1] + side[1]*side[2] + side[0]*side[2])
	var bestSplit *bvhSplitCandidate

	// Run axis split tests in parallel
	pendingScores := 0
	for axis := 0; axis < 3; axis++ {
		if side[axis] < minSideLength {
			continue
		}

		// Split steps become more granular the deeper we go
		splitStep := side[axis] / (1024.0 / float32(depth+1))
		if splitStep < minSplitStep {
			continue
		}

		for splitPoint := node.Min[axis]; splitPoint < node.Max[axis]; splitPoint += splitStep {
			candidate := bvhSplitCandidate{
				axis:       axis,
				splitPoint: splitPoint,
			}
			pendingScores++
			go candidate.Score(workList, b.scoreChan)
		}
	}

	// Process all scores and pick the best split
	for ; pendingScores > 0; pendingScores-- {
		candidate := <-b.scoreChan
		if candidate.score < bestScore {
			bestScore = candidate.score
			bestSplit = &candidate
		}
	}

	// If no split improves on the unsplit node score create a leaf
	if bestSplit == nil {
		return b.createLeaf(&node, workList)
	}

	leftWorkList := make([]BVHPrimitive, 0, bestSplit.leftCount)
	rightWorkList := make([]BVHPrimitive, 0, bestSplit.rightCount)
	for i := range workList {
		if workList[i].Center()[bestSplit.axis] < bestSplit.splitPoint {
			leftWorkList = append(leftWorkList, workList[i])
		} else {
			rightWorkList = append(rightWorkList, workList[i])
		}
	}

	nodeIndex := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, node)
	b.stats.nodes++

	left := b.partition(leftWorkList, depth+1)
	right := b.partition(rightWorkList, depth+1)
	b.tree.Nodes[nodeIndex].SetChildNodes(left, right)

	return uint32(nodeIndex)
}

// Score the worklist split at this candidate and report the result to the
// supplied channel.
func (c bvhSplitCandidate) Score(workList []BVHPrimitive, resChan chan<- bvhSplitCandidate) {
	lmin := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	rmin := lmin
	lmax := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	rmax := lmax

	for i := range workList {
		pmin, pmax := workList[i].BBox()
		if workList[i].Center()[c.axis] < c.splitPoint {
			c.leftCount++
			lmin = types.MinVec3(lmin, pmin)
			lmax = types.MaxVec3(lmax, pmax)
		} else {
			c.rightCount++
			rmin = types.MinVec3(rmin, pmin)
			rmax = types.MaxVec3(rmax, pmax)
		}
	}

	// Reject splits that starve one side
	minItemsOnEachSide := 2
	if len(workList) == 2 {
		minItemsOnEachSide = 1
	}
	if c.leftCount < minItemsOnEachSide || c.rightCount < minItemsOnEachSide {
		c.score = math.MaxFloat32
		resChan <- c
		return
	}

	lside := lmax.Sub(lmin)
	rside := rmax.Sub(rmin)
	c.score = (float32(c.leftCount) * (lside[0]*lside[1] + lside[1]*lside[2] + lside[0]*lside[2])) +
		(float32(c.rightCount) * (rside[0]*rside[1] + rside[1]*rside[2] + rside[0]*rside[2]))
	resChan <- c
}

// Set up the given node as a leaf covering all items in the work list.
func (b *bvhBuilder) createLeaf(node *BVHNode, workList []BVHPrimitive) uint32 {
	first := len(b.tree.Primitives)
	b.tree.Primitives = append(b.tree.Primitives, workList...)
	node.SetLeaf(uint32(first), uint32(len(workList)))

	nodeIndex := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, *node)

	b.stats.nodes++
	b.stats.leafs++

	return uint32(nodeIndex)
}

// Collect the BVH primitives for one mesh.
func MeshPrimitives(mesh *TriangleMesh, meshIndex uint32) []BVHPrimitive {
	prims := make([]BVHPrimitive, mesh.TriangleCount())
	for i := 0; i < mesh.TriangleCount(); i++ {
		v0, v1, v2 := mesh.Triangle(i)
		prims[i] = NewBVHPrimitive(v0, v1, v2, meshIndex, uint32(i))
	}
	return prims
}

// Upper bound for the node count of a BVH over primCount primitives. Used to
// size worst-case output buffers before the real structure is built.
func MaxBVHNodeCount(primCount int) int {
	if primCount <= 1 {
		return 1
	}
	return 2*primCount - 1
}
